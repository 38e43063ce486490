// Package linkstate tells the transmit path whether the physical link is up.
package linkstate

import (
	"sync/atomic"

	"github.com/slackhq/cpdma/ring"
)

var _ ring.LinkState = (*Static)(nil)

// Static is a link state that only changes when told to.
type Static struct {
	up atomic.Bool
}

// NewStatic returns a link that starts out up or down.
func NewStatic(up bool) *Static {
	s := &Static{}
	s.up.Store(up)
	return s
}

func (s *Static) Up() bool {
	return s.up.Load()
}

// SetUp changes the link state.
func (s *Static) SetUp(up bool) {
	s.up.Store(up)
}
