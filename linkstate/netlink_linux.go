package linkstate

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// Netlink follows the operational state of a host interface.
type Netlink struct {
	Static

	l      *logrus.Logger
	name   string
	index  int
	once   sync.Once
	doneCh chan struct{}
}

// NewNetlink looks up the interface and starts following its state. Call
// [Netlink.Close] to stop.
func NewNetlink(l *logrus.Logger, name string) (*Netlink, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", name, err)
	}

	n := &Netlink{
		l:      l,
		name:   name,
		index:  link.Attrs().Index,
		doneCh: make(chan struct{}),
	}
	n.SetUp(attrsUp(link.Attrs()))

	updates := make(chan netlink.LinkUpdate)
	options := netlink.LinkSubscribeOptions{
		ErrorCallback: func(e error) { l.WithError(e).Error("netlink error") },
	}
	if err := netlink.LinkSubscribeWithOptions(updates, n.doneCh, options); err != nil {
		return nil, fmt.Errorf("failed to subscribe to link changes: %w", err)
	}

	go n.watch(updates)
	return n, nil
}

func (n *Netlink) watch(updates <-chan netlink.LinkUpdate) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				// The subscription died, keep the last known state.
				n.l.WithField("interface", n.name).Warn("Stopped receiving link updates")
				return
			}
			n.update(u)
		case <-n.doneCh:
			return
		}
	}
}

func (n *Netlink) update(u netlink.LinkUpdate) {
	attrs := u.Link.Attrs()
	if attrs == nil || attrs.Index != n.index {
		return
	}
	up := attrsUp(attrs)
	if up == n.Up() {
		return
	}
	n.SetUp(up)
	n.l.WithField("interface", n.name).
		WithField("up", up).
		WithField("operState", attrs.OperState.String()).
		Info("Link state changed")
}

// Close stops following the interface.
func (n *Netlink) Close() error {
	n.once.Do(func() { close(n.doneCh) })
	return nil
}

func attrsUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		// Virtual interfaces often never report an operational state.
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}
