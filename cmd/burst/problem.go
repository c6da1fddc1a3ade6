package main

import (
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/attention"
	"github.com/samcharles93/burst/internal/cluster"
	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/rendezvous"
	"github.com/samcharles93/burst/internal/tensor"
)

// problem is one set of global inputs.
type problem struct {
	q, k, v, dout *tensor.Tensor
}

func newProblem() (*problem, error) {
	dt, err := tensor.ParseDType(wireType)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	kvh := kvHeads
	if kvh == 0 {
		kvh = heads
	}
	if heads <= 0 || kvh <= 0 || heads%kvh != 0 {
		return nil, cli.Exit(fmt.Sprintf("error: %d query heads are not a multiple of %d kv heads", heads, kvh), 2)
	}
	if worldSize <= 0 || seqLen%(2*worldSize) != 0 {
		return nil, cli.Exit(fmt.Sprintf("error: sequence %d does not split into %d zigzag chunks", seqLen, 2*worldSize), 2)
	}

	rng := rand.New(rand.NewSource(seed))
	qShape := tensor.Shape{Batch: int(batch), Seq: int(seqLen), Heads: int(heads), Dim: int(headDim)}
	kvShape := qShape
	kvShape.Heads = int(kvh)
	return &problem{
		q:    tensor.Random(rng, qShape, dt),
		k:    tensor.Random(rng, kvShape, dt),
		v:    tensor.Random(rng, kvShape, dt),
		dout: tensor.Random(rng, qShape, tensor.Float32),
	}, nil
}

func jobConfig(log logger.Logger, trace attention.TraceFunc) cluster.Config {
	cfg := cluster.Config{
		WorldSize: int(worldSize),
		IntraSize: int(intraSize),
		Backend:   ringBackend,
		JobID:     jobID,
		PinCPUs:   pinCPUs,
		Attention: attention.Options{Causal: true, Trace: trace},
		Logger:    log,
	}
	if rendezvousURL != "" {
		cfg.Store = rendezvous.NewHTTPStore(rendezvousURL, nil)
	}
	return cfg
}
