package cpdma

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/bufpool"
	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/hw"
	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/traffic"
	"github.com/slackhq/cpdma/util"
	"golang.org/x/sync/errgroup"
)

// Control owns everything Main built and runs it.
type Control struct {
	l *logrus.Logger
	c *config.C

	mem    *ring.Memory
	bufs   *bufpool.Pool
	ctl    *hw.Controller
	link   io.Closer
	engine *Engine
	gen    *traffic.Generator
	sink   *traffic.Sink

	channels   []ChannelConfig
	hwBatch    int
	statsStart func()

	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	started time.Time
}

// Start opens every configured channel and starts the controller, the
// interrupt handler, the poll worker and the traffic generator. This is a
// nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if c.engine == nil {
		return errors.New("nothing to start, Main ran in config test mode")
	}

	for _, cfg := range c.channels {
		if err := c.engine.OpenChannel(cfg); err != nil {
			_ = c.engine.Close()
			return util.NewContextualError("Failed to open channel", m{"channel": cfg.ID.String()}, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.eg, c.ctx = errgroup.WithContext(ctx)
	c.started = time.Now()

	c.eg.Go(func() error {
		if err := c.ctl.Run(c.ctx, c.hwBatch); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	c.eg.Go(func() error {
		return c.engine.Run(c.ctx)
	})
	c.eg.Go(func() error {
		for {
			select {
			case <-c.ctx.Done():
				return nil
			case <-c.ctl.Interrupts():
				c.engine.HandleInterrupt()
			}
		}
	})
	if c.gen != nil {
		c.eg.Go(func() error {
			return c.gen.Run(c.ctx)
		})
	}

	if c.statsStart != nil {
		go c.statsStart()
	}

	c.c.CatchHUP(c.ctx)
	c.l.WithField("channels", len(c.channels)).Info("DMA engine started")
	return nil
}

func (c *Control) Engine() *Engine {
	return c.engine
}

// Stop signals the engine to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.cancel == nil {
		c.release()
		return
	}

	c.cancel()
	if err := c.eg.Wait(); err != nil {
		c.l.WithError(err).Error("A worker failed")
	}

	if err := c.engine.Close(); err != nil {
		c.l.WithError(err).Error("Failed to close the engine")
	}

	c.summary()
	c.release()
	c.l.Info("Goodbye")
}

// transmitComplete hands completions to the generator, which owns every
// frame the daemon transmits.
func (c *Control) transmitComplete(ch ring.ChannelID, tokens []ring.Token) {
	if c.gen != nil {
		c.gen.Complete(ch, tokens)
	}
}

func (c *Control) summary() {
	uptime := time.Since(c.started)

	for _, s := range c.engine.Stats() {
		c.l.WithField("channel", s.ID.String()).
			WithField("state", s.State.String()).
			WithField("dequeued", humanize.Comma(s.GoodDequeue)).
			WithField("requeued", humanize.Comma(s.Requeue)).
			WithField("misqueued", humanize.Comma(s.Misqueued)).
			WithField("descAllocFail", humanize.Comma(s.DescAllocFail)).
			WithField("bufAllocFail", humanize.Comma(s.BufAllocFail)).
			WithField("teardownTimeout", humanize.Comma(s.TeardownTimeout)).
			Info("Channel summary")
	}

	for _, cfg := range c.channels {
		if cfg.ID.Direction != ring.RX {
			continue
		}
		s := c.sink.Stats(cfg.ID)
		rate := 0.0
		if secs := uptime.Seconds(); secs > 0 {
			rate = float64(s.Frames) / secs
		}
		c.l.WithField("channel", cfg.ID.String()).
			WithField("frames", humanize.Comma(int64(s.Frames))).
			WithField("bytes", humanize.Bytes(s.Bytes)).
			WithField("framesPerSecond", humanize.CommafWithDigits(rate, 1)).
			WithField("outOfOrder", humanize.Comma(int64(s.OutOfOrder))).
			WithField("malformed", humanize.Comma(int64(s.Malformed))).
			Info("Receive summary")
	}

	if c.gen != nil {
		c.l.WithField("frames", humanize.Comma(int64(c.gen.Sent()))).
			WithField("uptime", uptime.Round(time.Millisecond)).
			Info("Transmit summary")
	}
}

// release frees the host resources in reverse order of allocation.
func (c *Control) release() {
	if c.link != nil {
		if err := c.link.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close the link")
		}
	}
	if c.bufs != nil {
		if err := c.bufs.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release buffer memory")
		}
	}
	if c.mem != nil {
		if err := c.mem.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release descriptor memory")
		}
	}
}

// Wait blocks until SIGTERM or SIGINT arrives, a worker fails, or d elapses
// when it is positive. It returns what ended the wait and stops nothing.
func (c *Control) Wait(d time.Duration) string {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var done <-chan struct{}
	if c.ctx != nil {
		done = c.ctx.Done()
	}

	select {
	case sig := <-sigChan:
		return sig.String()
	case <-timeout:
		return "timeout"
	case <-done:
		return "worker failed"
	}
}
