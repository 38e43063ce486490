package traffic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/ring"
	"golang.org/x/time/rate"
)

// allocRetry bounds the wait for a free buffer when no completion arrives.
const allocRetry = 10 * time.Millisecond

// SubmitFunc queues a packet, waiting for descriptors if needed.
type SubmitFunc func(ctx context.Context, pkt ring.Packet) error

type GeneratorConfig struct {
	Endpoints
	// Size is the frame size in bytes.
	Size int
	// Rate is the number of frames per second, rate.Inf for no limit.
	Rate  rate.Limit
	Burst int
	// Count stops the generator after that many frames, 0 runs until
	// cancelled.
	Count uint64
}

// inFlight is the token of a generated frame.
type inFlight struct {
	buf  ring.Buffer
	seq  uint64
	sent time.Time
}

// Generator submits numbered test frames at a steady rate. Frame buffers come
// from the allocator and go back to it on transmit completion.
type Generator struct {
	l       *logrus.Logger
	cfg     GeneratorConfig
	alloc   ring.BufferAllocator
	submit  SubmitFunc
	limiter *rate.Limiter
	freed   chan struct{}
	seq     uint64

	frames    metrics.Counter
	bytes     metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	latency   metrics.Timer
}

func NewGenerator(l *logrus.Logger, cfg GeneratorConfig, alloc ring.BufferAllocator, submit SubmitFunc, r metrics.Registry) (*Generator, error) {
	if cfg.Size < MinFrameSize || cfg.Size > ring.MaxPacketLength {
		return nil, fmt.Errorf("frame size must be between %d and %d, got %d", MinFrameSize, ring.MaxPacketLength, cfg.Size)
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if r == nil {
		r = metrics.DefaultRegistry
	}

	return &Generator{
		l:         l,
		cfg:       cfg,
		alloc:     alloc,
		submit:    submit,
		limiter:   rate.NewLimiter(cfg.Rate, cfg.Burst),
		freed:     make(chan struct{}, 1),
		frames:    metrics.GetOrRegisterCounter("cpdma.traffic.tx.frames", r),
		bytes:     metrics.GetOrRegisterCounter("cpdma.traffic.tx.bytes", r),
		completed: metrics.GetOrRegisterCounter("cpdma.traffic.tx.completed", r),
		failed:    metrics.GetOrRegisterCounter("cpdma.traffic.tx.failed", r),
		latency:   metrics.GetOrRegisterTimer("cpdma.traffic.tx.latency", r),
	}, nil
}

// NewGeneratorFromConfig reads the traffic section. It returns nil if the
// generator is disabled.
func NewGeneratorFromConfig(l *logrus.Logger, c *config.C, alloc ring.BufferAllocator, submit SubmitFunc, r metrics.Registry) (*Generator, error) {
	if !c.GetBool("traffic.enabled", false) {
		return nil, nil
	}

	cfg := GeneratorConfig{
		Size:  c.GetInt("traffic.size", 128),
		Burst: c.GetInt("traffic.burst", 1),
		Count: uint64(c.GetInt("traffic.count", 0)),
	}

	fps := c.GetInt("traffic.rate", 1000)
	if fps == 0 {
		cfg.Rate = rate.Inf
	} else {
		cfg.Rate = rate.Limit(fps)
	}

	var err error
	if cfg.SrcMAC, err = net.ParseMAC(c.GetString("traffic.src.mac", "02:00:00:00:00:01")); err != nil {
		return nil, fmt.Errorf("traffic.src.mac: %w", err)
	}
	if cfg.DstMAC, err = net.ParseMAC(c.GetString("traffic.dst.mac", "02:00:00:00:00:02")); err != nil {
		return nil, fmt.Errorf("traffic.dst.mac: %w", err)
	}
	if cfg.SrcIP = net.ParseIP(c.GetString("traffic.src.ip", "10.0.0.1")).To4(); cfg.SrcIP == nil {
		return nil, errors.New("traffic.src.ip must be an IPv4 address")
	}
	if cfg.DstIP = net.ParseIP(c.GetString("traffic.dst.ip", "10.0.0.2")).To4(); cfg.DstIP == nil {
		return nil, errors.New("traffic.dst.ip must be an IPv4 address")
	}
	cfg.SrcPort = uint16(c.GetUint32("traffic.src.port", 4242))
	cfg.DstPort = uint16(c.GetUint32("traffic.dst.port", 4242))

	return NewGenerator(l, cfg, alloc, submit, r)
}

// Run submits frames until ctx is done or Count frames were submitted.
func (g *Generator) Run(ctx context.Context) error {
	g.l.WithField("size", g.cfg.Size).
		WithField("rate", g.cfg.Rate).
		Info("Traffic generator started")

	for g.cfg.Count == 0 || g.seq < g.cfg.Count {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}

		buf, err := g.allocate(ctx)
		if err != nil {
			return nil
		}

		if err := g.send(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	g.l.WithField("frames", g.seq).Info("Traffic generator finished")
	return nil
}

func (g *Generator) allocate(ctx context.Context) (ring.Buffer, error) {
	for {
		buf, ok := g.alloc.Allocate(g.cfg.Size)
		if ok {
			return buf, nil
		}

		select {
		case <-ctx.Done():
			return ring.Buffer{}, ctx.Err()
		case <-g.freed:
		case <-time.After(allocRetry):
		}
	}
}

func (g *Generator) send(ctx context.Context, buf ring.Buffer) error {
	frame, err := BuildFrame(g.cfg.Endpoints, g.seq, g.cfg.Size)
	if err != nil {
		g.release(buf)
		return err
	}
	copy(buf.Data, frame)

	tok := &inFlight{buf: buf, seq: g.seq, sent: time.Now()}
	pkt := ring.Packet{Fragments: []ring.Fragment{{
		Buffer: ring.Buffer{Addr: buf.Addr, Data: buf.Data, Token: tok},
		Length: len(frame),
	}}}

	if err := g.submit(ctx, pkt); err != nil {
		g.release(buf)
		g.failed.Inc(1)
		if errors.Is(err, ring.ErrNoLink) {
			// Keep going, the frame is simply lost while the link is down.
			g.l.WithError(err).Debug("Dropped a frame")
			g.seq++
			return nil
		}
		return err
	}

	g.seq++
	g.frames.Inc(1)
	g.bytes.Inc(int64(len(frame)))
	return nil
}

// Complete releases the buffers of transmitted frames. It is meant to be used
// as the engine's transmit completion callback.
func (g *Generator) Complete(ch ring.ChannelID, tokens []ring.Token) {
	for _, t := range tokens {
		f, ok := t.(*inFlight)
		if !ok {
			g.l.WithField("channel", ch.String()).WithField("token", t).Warn("Completion for a frame the generator did not send")
			continue
		}
		g.latency.UpdateSince(f.sent)
		g.completed.Inc(1)
		g.release(f.buf)
	}
}

func (g *Generator) release(buf ring.Buffer) {
	if err := g.alloc.Release(buf); err != nil {
		g.l.WithError(err).Error("Failed to release a frame buffer")
		return
	}
	select {
	case g.freed <- struct{}{}:
	default:
	}
}

// Sent returns the number of frames submitted so far.
func (g *Generator) Sent() uint64 {
	return uint64(g.frames.Count())
}
