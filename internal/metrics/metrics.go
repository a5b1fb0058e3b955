// Package metrics holds the per-session Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropNotForUs         = "not_for_us"
	DropUnresolvedSource = "unresolved_source"
	DropUnresolvedDest   = "unresolved_destination"
	DropMalformedPacket  = "malformed_packet"
	DropEncodeError      = "encode_error"
	DropUnknownType      = "unknown_type"
)

// Directions for frame counters.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Registry owns one session's collectors. Sessions never share a registry,
// so several bridges can run in one process.
type Registry struct {
	reg *prometheus.Registry

	Frames       *prometheus.CounterVec
	Bytes        *prometheus.CounterVec
	DecodeErrors prometheus.Counter
	Drops        *prometheus.CounterVec
	Conflicts    prometheus.Counter
	Evictions    prometheus.Counter
	Learned      prometheus.Counter
	Peers        *prometheus.GaugeVec
}

func New(node string) *Registry {
	labels := prometheus.Labels{"node": node}
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "bridge",
			Name:        "frames_total",
			Help:        "Mesh frames by direction and packet type.",
			ConstLabels: labels,
		}, []string{"direction", "type"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "serial",
			Name:        "bytes_total",
			Help:        "Raw bytes moved over the serial line.",
			ConstLabels: labels,
		}, []string{"direction"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "codec",
			Name:        "decode_errors_total",
			Help:        "Corrupt spans dropped by the deframer.",
			ConstLabels: labels,
		}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "bridge",
			Name:        "drops_total",
			Help:        "Frames and packets dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "nodetable",
			Name:        "conflicts_total",
			Help:        "Learned mappings rejected because a static entry owns them.",
			ConstLabels: labels,
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "nodetable",
			Name:        "evictions_total",
			Help:        "Learned mappings evicted after the inactivity window.",
			ConstLabels: labels,
		}),
		Learned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshtun",
			Subsystem:   "nodetable",
			Name:        "learned_total",
			Help:        "Node announcements applied to the table.",
			ConstLabels: labels,
		}),
		Peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "meshtun",
			Subsystem:   "nodetable",
			Name:        "entries",
			Help:        "Current table entries by origin.",
			ConstLabels: labels,
		}, []string{"origin"}),
	}
	r.reg.MustRegister(r.Frames, r.Bytes, r.DecodeErrors, r.Drops, r.Conflicts, r.Evictions, r.Learned, r.Peers)
	return r
}

func (r *Registry) Drop(reason string) { r.Drops.WithLabelValues(reason).Inc() }

func (r *Registry) Frame(direction, packetType string) {
	r.Frames.WithLabelValues(direction, packetType).Inc()
}

func (r *Registry) SetPeers(static, learned int) {
	r.Peers.WithLabelValues("static").Set(float64(static))
	r.Peers.WithLabelValues("learned").Set(float64(learned))
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if lerr := <-errc; lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
			return lerr
		}
		return err
	}
}
