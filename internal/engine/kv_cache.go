package engine

import "fmt"

// kvCache is the mock's per-component recurrent memory: one value per
// position plus a written flag, so reads of never-written slots are caught.
type kvCache struct {
	values  []float32
	written []bool
}

func newKVCache(length int) *kvCache {
	return &kvCache{values: make([]float32, length), written: make([]bool, length)}
}

// Update stores v at pos.
func (c *kvCache) Update(pos int, v float32) error {
	if pos < 0 || pos >= len(c.values) {
		return fmt.Errorf("kv write at position %d outside cache of %d", pos, len(c.values))
	}
	c.values[pos] = v
	c.written[pos] = true
	return nil
}

// Get reads pos; reading an unwritten slot is an error.
func (c *kvCache) Get(pos int) (float32, error) {
	if pos < 0 || pos >= len(c.values) {
		return 0, fmt.Errorf("kv read at position %d outside cache of %d", pos, len(c.values))
	}
	if !c.written[pos] {
		return 0, fmt.Errorf("kv read of unwritten position %d (stale or missing state)", pos)
	}
	return c.values[pos], nil
}

// Size returns the number of written positions.
func (c *kvCache) Size() int {
	n := 0
	for _, w := range c.written {
		if w {
			n++
		}
	}
	return n
}
