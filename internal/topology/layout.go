package topology

// Layout is the zigzag chunking of a global sequence over W ranks: the
// sequence is cut into 2W chunks and rank r owns chunks r and 2W-1-r, which
// balances causal work across ranks.
type Layout struct {
	WorldSize int
}

// NumChunks is 2W.
func (l Layout) NumChunks() int { return 2 * l.WorldSize }

// Chunks returns the (first, second) global chunk indices held by rank.
func (l Layout) Chunks(rank int) (int, int) {
	return rank, 2*l.WorldSize - 1 - rank
}

// Owner returns the rank holding chunk and whether it is that rank's second half.
func (l Layout) Owner(chunk int) (rank int, second bool) {
	if chunk < l.WorldSize {
		return chunk, false
	}
	return 2*l.WorldSize - 1 - chunk, true
}
