//go:build !linux

package linkstate

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Netlink follows the operational state of a host interface. It is only
// available on Linux.
type Netlink struct {
	Static
}

func NewNetlink(_ *logrus.Logger, _ string) (*Netlink, error) {
	return nil, errors.New("netlink link state is only supported on linux")
}

func (n *Netlink) Close() error {
	return nil
}
