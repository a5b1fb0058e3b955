// Package discovery announces the local node on the mesh and learns peers
// from their announcements.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshtun/internal/clock"
	"meshtun/internal/metrics"
	"meshtun/internal/nodetable"
	"meshtun/pkg/frame"
)

// DefaultHopLimit is advertised in every announcement.
const DefaultHopLimit = 3

// Emitter hands an announcement to the serial writer.
type Emitter func(ctx context.Context, f *frame.Frame) error

type Config struct {
	NodeID   string
	Addr     netip.Addr
	Interval time.Duration
	// TTL defaults to three intervals.
	TTL      time.Duration
	HopLimit int
}

type Discovery struct {
	cfg     Config
	table   *nodetable.Table
	clk     clock.Clock
	emit    Emitter
	log     zerolog.Logger
	metrics *metrics.Registry
}

func New(cfg Config, table *nodetable.Table, clk clock.Clock, emit Emitter, log zerolog.Logger, m *metrics.Registry) (*Discovery, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("discovery interval must be positive, got %s", cfg.Interval)
	}
	if err := frame.ValidateNodeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	if !cfg.Addr.IsValid() {
		return nil, errors.New("discovery needs the local address")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if m == nil {
		m = metrics.New(cfg.NodeID)
	}
	return &Discovery{cfg: cfg, table: table, clk: clk, emit: emit, log: log, metrics: m}, nil
}

func (d *Discovery) Interval() time.Duration { return d.cfg.Interval }
func (d *Discovery) TTL() time.Duration      { return d.cfg.TTL }

// Announcement builds the NODE_INFO broadcast advertising the local address.
func (d *Discovery) Announcement() *frame.Frame {
	return &frame.Frame{
		Destination: frame.Broadcast,
		Source:      d.cfg.NodeID,
		Type:        frame.TypeNodeInfo,
		Metadata:    frame.NewMetadata().Set("hop", 0).Set("limit", d.cfg.HopLimit),
		Payload:     []byte(d.cfg.Addr.String()),
	}
}

// Run emits one announcement per interval and evicts stale learned entries,
// until ctx is cancelled. The first announcement goes out one interval after
// start. A failed announcement is logged and retried on the next tick.
func (d *Discovery) Run(ctx context.Context) error {
	ticker := d.clk.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			d.evict(now)
			if err := d.emit(ctx, d.Announcement()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Warn().Err(err).Msg("announcement not sent")
				continue
			}
			d.log.Debug().Str("addr", d.cfg.Addr.String()).Msg("announced")
		}
	}
}

func (d *Discovery) evict(now time.Time) {
	for _, e := range d.table.EvictStale(now, d.cfg.TTL) {
		d.metrics.Evictions.Inc()
		d.log.Info().Str("peer", e.NodeID).Str("addr", e.Addr.String()).
			Time("last_seen", e.LastSeen).Msg("evicted stale peer")
	}
	d.metrics.SetPeers(d.table.Stats())
}

// HandleNodeInfo learns the mapping announced by a peer. Echoes of the local
// announcement are ignored. A collision with a static entry is returned as a
// nodetable.ConflictError and leaves the table unchanged.
func (d *Discovery) HandleNodeInfo(f *frame.Frame) error {
	if f.Type != frame.TypeNodeInfo {
		return fmt.Errorf("not a node info frame: %s", f.Type)
	}
	if f.Source == d.cfg.NodeID {
		return nil
	}
	addr, err := parseAnnounced(f.Payload)
	if err != nil {
		return err
	}

	if err := d.table.Learn(f.Source, addr, d.clk.Now()); err != nil {
		if errors.Is(err, nodetable.ErrMappingConflict) {
			d.metrics.Conflicts.Inc()
		}
		return err
	}
	d.metrics.Learned.Inc()
	d.metrics.SetPeers(d.table.Stats())
	d.log.Debug().Str("peer", f.Source).Str("addr", addr.String()).Msg("learned peer")
	return nil
}

// parseAnnounced accepts a bare address or an address with prefix length.
func parseAnnounced(payload []byte) (netip.Addr, error) {
	s := strings.TrimSpace(string(payload))
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr().Unmap(), nil
	}
	return netip.Addr{}, fmt.Errorf("announced address %q is not an IP", s)
}
