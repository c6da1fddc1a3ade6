package ring

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/burst/internal/tensor"
)

// Barrier returns once every member of c's ring has entered it. It passes a
// token Size-1 times around the ring, so by the last round each rank has
// heard, transitively, from everybody.
func Barrier(ctx context.Context, c *Channel) error {
	token := tensor.New(tensor.Shape{Batch: 1, Seq: 1, Heads: 1, Dim: 1}, tensor.Float32)
	token.Data[0] = float32(c.Rank())
	var recv *tensor.Tensor
	for round := 0; round < c.Size()-1; round++ {
		recv = c.SendRecvInto(token, recv)
		c.Commit()
		if err := c.Wait(ctx); err != nil {
			return errors.Wrapf(err, "barrier round %d", round)
		}
		token, recv = recv, token
	}
	return nil
}
