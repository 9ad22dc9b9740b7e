// Package filter implements frame prefilters run before decoding.
package filter

// Filter decides whether a raw frame should be decoded.
type Filter interface {
	Match(data []byte) bool
}

// Chain matches when every filter in it matches. An empty chain matches
// everything.
type Chain struct {
	filters []Filter
}

func NewChain(filters ...Filter) *Chain {
	all := make([]Filter, len(filters))
	copy(all, filters)
	return &Chain{filters: all}
}

// Add appends f to the chain.
func (c *Chain) Add(f Filter) *Chain {
	c.filters = append(c.filters, f)
	return c
}

func (c *Chain) Len() int {
	return len(c.filters)
}

func (c *Chain) Match(data []byte) bool {
	for _, f := range c.filters {
		if !f.Match(data) {
			return false
		}
	}
	return true
}
