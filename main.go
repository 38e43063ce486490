package cpdma

import (
	"context"
	"fmt"
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/bufpool"
	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/hw"
	"github.com/slackhq/cpdma/linkstate"
	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/traffic"
	"github.com/slackhq/cpdma/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds everything described by the configuration. Nothing runs until
// [Control.Start] is called.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	d, err := parseDMAConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse the dma config", nil, err)
	}

	channels, err := parseChannels(c, d)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse the channel config", nil, err)
	}

	need := descriptorsNeeded(channels)
	if d.descriptors == 0 {
		d.descriptors = need
	}
	if d.descriptors < need {
		return nil, util.NewContextualError(
			"Channels do not fit in the descriptor memory",
			m{"descriptors": d.descriptors, "needed": need},
			nil,
		)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	txID, hasTx := firstTransmitChannel(channels)
	if c.GetBool("traffic.enabled", false) && !hasTx {
		return nil, util.NewContextualError("The traffic generator needs a tx channel", nil, nil)
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// memory maps, netlink subscriptions, anything holding host resources should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	if configTest {
		return &Control{l: l, c: c}, nil
	}

	ctrl := &Control{
		l:          l,
		c:          c,
		channels:   channels,
		statsStart: statsStart,
		hwBatch:    c.GetInt("hw.batch", 64),
	}

	ctrl.mem, err = ring.NewMemory(d.descriptorBase, d.descriptors)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate descriptor memory", m{"descriptors": d.descriptors}, err)
	}

	ctrl.bufs, err = bufpool.New(d.bufferBase, d.buffers, d.bufferSize, metrics.DefaultRegistry)
	if err != nil {
		ctrl.release()
		return nil, util.NewContextualError("Failed to allocate buffers", m{"buffers": d.buffers, "size": d.bufferSize}, err)
	}

	ctrl.ctl, err = hw.NewController(l, ctrl.mem,
		hw.WithBus(ctrl.bufs),
		hw.WithLoopback(c.GetBool("hw.loopback", true)),
		hw.WithRxQueueLimit(c.GetInt("hw.rx_queue_limit", 1024)),
	)
	if err != nil {
		ctrl.release()
		return nil, util.NewContextualError("Failed to create the controller", nil, err)
	}

	link, err := newLinkFromConfig(l, c)
	if err != nil {
		ctrl.release()
		return nil, util.NewContextualError("Failed to set up the link", nil, err)
	}
	if closer, ok := link.(io.Closer); ok {
		ctrl.link = closer
	}

	ctrl.sink = traffic.NewSink(l, ctrl.bufs, metrics.DefaultRegistry)
	ctrl.engine, err = NewEngine(l, ctrl.ctl, ctrl.mem, ctrl.bufs,
		WithLink(link),
		WithRegistry(metrics.DefaultRegistry),
		WithPacketReceived(ctrl.sink.Receive),
		WithTransmitComplete(ctrl.transmitComplete),
	)
	if err != nil {
		ctrl.release()
		return nil, util.NewContextualError("Failed to create the engine", nil, err)
	}

	ctrl.gen, err = traffic.NewGeneratorFromConfig(l, c, ctrl.bufs, func(ctx context.Context, pkt ring.Packet) error {
		return ctrl.engine.SubmitWait(ctx, txID, pkt)
	}, metrics.DefaultRegistry)
	if err != nil {
		ctrl.release()
		return nil, util.NewContextualError("Failed to configure the traffic generator", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		reloadChannels(l, c, ctrl.engine)
	})

	if s, ok := link.(*linkstate.Static); ok {
		c.RegisterReloadCallback(func(c *config.C) {
			if c.HasChanged("link.up") {
				up := c.GetBool("link.up", true)
				s.SetUp(up)
				l.WithField("up", up).Info("Changed link state")
			}
		})
	}

	return ctrl, nil
}

func newLinkFromConfig(l *logrus.Logger, c *config.C) (ring.LinkState, error) {
	switch t := c.GetString("link.type", "static"); t {
	case "static":
		return linkstate.NewStatic(c.GetBool("link.up", true)), nil

	case "netlink":
		name := c.GetString("link.interface", "")
		if name == "" {
			return nil, fmt.Errorf("link.interface must be set for a netlink link")
		}
		n, err := linkstate.NewNetlink(l, name)
		if err != nil {
			return nil, err
		}
		l.WithField("interface", name).WithField("up", n.Up()).Info("Following interface link state")
		return n, nil

	default:
		return nil, fmt.Errorf("link.type was not understood: %s", t)
	}
}

func firstTransmitChannel(channels []ChannelConfig) (ring.ChannelID, bool) {
	for _, ch := range channels {
		if ch.ID.Direction == ring.TX {
			return ch.ID, true
		}
	}
	return ring.ChannelID{}, false
}
