package digest

// Chain is an insertion-ordered, non-empty-once-populated sequence of digests all
// considered equivalent for cache-hit purposes: the accepted preprocessor-output
// digests learned for one CacheEntry over time via byte-compare fallbacks.
type Chain struct {
	entries []Digest
}

// NewChain builds a chain from its first digest.
func NewChain(first Digest) Chain {
	return Chain{entries: []Digest{first}}
}

// Len reports how many digests are in the chain.
func (c Chain) Len() int { return len(c.entries) }

// At returns the i-th digest in insertion order.
func (c Chain) At(i int) Digest { return c.entries[i] }

// All returns the chain's digests in insertion order. The caller must not mutate it.
func (c Chain) All() []Digest { return c.entries }

// Contains reports whether d is present anywhere in the chain, by exact 20-byte equality.
func (c Chain) Contains(d Digest) bool {
	for _, e := range c.entries {
		if Equal(e, d) {
			return true
		}
	}
	return false
}

// Append adds d to the chain if it isn't already present, preserving insertion order.
func (c *Chain) Append(d Digest) {
	if c.Contains(d) {
		return
	}
	c.entries = append(c.entries, d)
}

// Splice merges other into c, preserving c's order and appending any new digests from
// other that c doesn't already have, in other's order.
func (c *Chain) Splice(other Chain) {
	for _, d := range other.entries {
		c.Append(d)
	}
}
