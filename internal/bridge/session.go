// Package bridge runs a session that moves IP packets between a virtual
// interface and a serial-attached mesh radio.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"meshtun/internal/clock"
	"meshtun/internal/discovery"
	"meshtun/internal/logx"
	"meshtun/internal/metrics"
	"meshtun/internal/nodetable"
	"meshtun/pkg/frame"
	"meshtun/pkg/tun"
)

const (
	DefaultQueueLen = 16
	DefaultMTU      = 1500
	serialReadSize  = 4096
)

// State of a session.
type State int32

const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config is everything a session needs besides its two devices.
type Config struct {
	NodeID string
	// Addr is the interface address with its subnet.
	Addr              netip.Prefix
	Static            map[string]netip.Addr
	DiscoveryInterval time.Duration
	DiscoveryTTL      time.Duration
	Limits            frame.Limits
	MTU               int
	// TxRate caps frames per second written to the radio; zero disables pacing.
	TxRate        float64
	TxBurst       int
	QueueLen      int
	AcceptForeign bool
}

type Option func(*Session)

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clk = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Session) { s.metrics = m } }

type outFrame struct {
	raw []byte
	typ frame.PacketType
}

// Session owns one serial line, one virtual interface and the address table
// shared between them.
type Session struct {
	cfg     Config
	port    io.ReadWriteCloser
	dev     tun.Device
	table   *nodetable.Table
	disc    *discovery.Discovery
	deframe *frame.Deframer
	queue   chan outFrame
	pacer   *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
	metrics *metrics.Registry
	drops   *dropLog

	state     atomic.Int32
	started   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New builds a session and loads the static mappings. Conflicting static
// entries are reported together.
func New(cfg Config, port io.ReadWriteCloser, dev tun.Device, opts ...Option) (*Session, error) {
	if port == nil || dev == nil {
		return nil, errors.New("bridge needs both a serial port and a tun device")
	}
	if err := frame.ValidateNodeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	if !cfg.Addr.IsValid() {
		return nil, errors.New("interface address is required")
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}

	s := &Session{
		cfg:     cfg,
		port:    port,
		dev:     dev,
		table:   nodetable.New(),
		deframe: frame.NewDeframer(cfg.Limits),
		queue:   make(chan outFrame, cfg.QueueLen),
		clk:     clock.Real{},
		log:     logx.Log,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	base := s.log.With().Str("node", cfg.NodeID).Logger()
	s.log = base.With().Str("component", "bridge").Logger()
	if s.metrics == nil {
		s.metrics = metrics.New(cfg.NodeID)
	}
	s.drops = newDropLog(s.log)
	if cfg.TxRate > 0 {
		s.pacer = rate.NewLimiter(rate.Limit(cfg.TxRate), max(cfg.TxBurst, 1))
	}

	if err := s.table.LoadStatic(cfg.Static); err != nil {
		return nil, fmt.Errorf("static node mapping: %w", err)
	}
	s.metrics.SetPeers(s.table.Stats())

	disc, err := discovery.New(discovery.Config{
		NodeID:   cfg.NodeID,
		Addr:     cfg.Addr.Addr(),
		Interval: cfg.DiscoveryInterval,
		TTL:      cfg.DiscoveryTTL,
	}, s.table, s.clk, s.enqueue, base.With().Str("component", "discovery").Logger(), s.metrics)
	if err != nil {
		return nil, err
	}
	s.disc = disc
	s.state.Store(int32(Starting))
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Table() *nodetable.Table { return s.table }

func (s *Session) Metrics() *metrics.Registry { return s.metrics }

// Stop asks a running session to shut down. Run returns once every worker
// has exited.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run forwards traffic until ctx is cancelled, Stop is called, or a device
// fails. A device failure is returned as a *TransportError; a requested stop
// returns nil. Both devices are closed when Run returns. A session runs once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	static, _ := s.table.Stats()
	s.state.Store(int32(Running))
	s.log.Info().Str("addr", s.cfg.Addr.String()).Int("static", static).
		Dur("discovery", s.disc.Interval()).Msg("bridge running")

	g.Go(func() error {
		select {
		case <-s.stop:
		case <-gctx.Done():
		}
		s.state.Store(int32(Stopping))
		cancel()
		s.closeDevices()
		return nil
	})
	g.Go(func() error { return s.readSerial(gctx) })
	g.Go(func() error { return s.readTUN(gctx) })
	g.Go(func() error { return s.writeSerial(gctx) })
	g.Go(func() error { return s.disc.Run(gctx) })

	err := g.Wait()
	s.closeDevices()
	s.state.Store(int32(Stopped))

	if err != nil {
		s.log.Error().Err(err).Msg("bridge stopped")
	} else {
		s.log.Info().Msg("bridge stopped")
	}
	return err
}

func (s *Session) closeDevices() {
	s.closeOnce.Do(func() {
		if err := s.port.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close serial")
		}
		if err := s.dev.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close tun")
		}
	})
}

// enqueue encodes f and waits for room in the writer queue.
func (s *Session) enqueue(ctx context.Context, f *frame.Frame) error {
	raw, err := frame.Encode(f, s.cfg.Limits)
	if err != nil {
		return err
	}
	select {
	case s.queue <- outFrame{raw: raw, typ: f.Type}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeSerial is the only writer on the serial line, so frames never
// interleave.
func (s *Session) writeSerial(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-s.queue:
			if s.pacer != nil {
				if err := s.pacer.Wait(ctx); err != nil {
					return nil
				}
			}
			if _, err := s.port.Write(out.raw); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &TransportError{Op: "write", Device: "serial", Err: err}
			}
			s.metrics.Bytes.WithLabelValues(metrics.Outbound).Add(float64(len(out.raw)))
			s.metrics.Frame(metrics.Outbound, out.typ.String())
		}
	}
}
