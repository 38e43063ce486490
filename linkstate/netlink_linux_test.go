package linkstate

import (
	"net"
	"testing"

	"github.com/slackhq/cpdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestAttrsUp(t *testing.T) {
	tests := []struct {
		name  string
		attrs netlink.LinkAttrs
		up    bool
	}{
		{name: "oper up", attrs: netlink.LinkAttrs{OperState: netlink.OperUp}, up: true},
		{name: "oper down", attrs: netlink.LinkAttrs{OperState: netlink.OperDown, Flags: net.FlagUp}},
		{name: "lower layer down", attrs: netlink.LinkAttrs{OperState: netlink.OperLowerLayerDown}},
		{name: "unknown admin up", attrs: netlink.LinkAttrs{OperState: netlink.OperUnknown, Flags: net.FlagUp}, up: true},
		{name: "unknown admin down", attrs: netlink.LinkAttrs{OperState: netlink.OperUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.up, attrsUp(&tt.attrs))
		})
	}
}

func TestNetlink_Update(t *testing.T) {
	n := &Netlink{l: test.NewLogger(), name: "eth0", index: 3, doneCh: make(chan struct{})}

	n.update(netlink.LinkUpdate{Link: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 3, OperState: netlink.OperUp}}})
	assert.True(t, n.Up())

	// Other interfaces are ignored.
	n.update(netlink.LinkUpdate{Link: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 4, OperState: netlink.OperDown}}})
	assert.True(t, n.Up())

	n.update(netlink.LinkUpdate{Link: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 3, OperState: netlink.OperDown}}})
	assert.False(t, n.Up())

	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}
