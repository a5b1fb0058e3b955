package discovery

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"meshtun/internal/clock"
	"meshtun/internal/metrics"
	"meshtun/internal/nodetable"
	"meshtun/pkg/frame"
)

var (
	localAddr = netip.MustParseAddr("10.0.0.1")
	start     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	frames []*frame.Frame
	sent   chan struct{}
}

func newRecorder() *recorder { return &recorder{sent: make(chan struct{}, 64)} }

func (r *recorder) emit(_ context.Context, f *frame.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newDiscovery(t *testing.T, clk clock.Clock, emit Emitter) (*Discovery, *nodetable.Table, *metrics.Registry) {
	t.Helper()
	tbl := nodetable.New()
	m := metrics.New("msh-local")
	d, err := New(Config{NodeID: "msh-local", Addr: localAddr, Interval: 10 * time.Second}, tbl, clk, emit, zerolog.Nop(), m)
	require.NoError(t, err)
	return d, tbl, m
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	for _, iv := range []time.Duration{0, -time.Second} {
		_, err := New(Config{NodeID: "msh-local", Addr: localAddr, Interval: iv}, nodetable.New(), nil, nil, zerolog.Nop(), nil)
		require.Error(t, err)
	}
}

func TestDefaultTTLIsThreeIntervals(t *testing.T) {
	d, _, _ := newDiscovery(t, clock.NewManual(start), nil)
	require.Equal(t, 30*time.Second, d.TTL())
}

func TestAnnouncementFormat(t *testing.T) {
	d, _, _ := newDiscovery(t, clock.NewManual(start), nil)
	raw, err := frame.Encode(d.Announcement(), frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, `!*:msh-local:NODE_INFO|{"hop":0,"limit":3}|10.0.0.1!`, string(raw))
}

func TestOneAnnouncementPerInterval(t *testing.T) {
	clk := clock.NewManual(start)
	rec := newRecorder()
	d, _, _ := newDiscovery(t, clk, rec.emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.True(t, clk.WaitForTicker(time.Second))

	clk.Advance(9 * time.Second)
	require.Zero(t, rec.count(), "no announcement before the first interval")

	const intervals = 5
	for i := 1; i <= intervals; i++ {
		clk.Advance(time.Second)
		select {
		case <-rec.sent:
		case <-time.After(time.Second):
			t.Fatalf("interval %d produced no announcement", i)
		}
		require.Equal(t, i, rec.count())
		clk.Advance(9 * time.Second)
	}

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, intervals, rec.count())
	for _, f := range rec.frames {
		require.True(t, f.IsBroadcast())
		require.Equal(t, frame.TypeNodeInfo, f.Type)
	}
}

func TestTickEvictsStalePeers(t *testing.T) {
	clk := clock.NewManual(start)
	rec := newRecorder()
	d, tbl, m := newDiscovery(t, clk, rec.emit)
	require.NoError(t, tbl.AddStatic("node-S", netip.MustParseAddr("10.0.0.9")))

	require.NoError(t, d.HandleNodeInfo(&frame.Frame{Destination: frame.Broadcast, Source: "node-B", Type: frame.TypeNodeInfo, Payload: []byte("10.0.0.3")}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	require.True(t, clk.WaitForTicker(time.Second))

	for i := 0; i < 4; i++ {
		clk.Advance(10 * time.Second)
		<-rec.sent
	}
	_, err := tbl.ResolveAddr("node-B")
	require.ErrorIs(t, err, nodetable.ErrUnresolved)
	_, err = tbl.ResolveAddr("node-S")
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))
}

func TestHandleNodeInfoLearnsPeer(t *testing.T) {
	clk := clock.NewManual(start)
	d, tbl, m := newDiscovery(t, clk, nil)

	err := d.HandleNodeInfo(&frame.Frame{Destination: frame.Broadcast, Source: "node-B", Type: frame.TypeNodeInfo, Payload: []byte(" 10.0.0.3/24\n")})
	require.NoError(t, err)

	entries := tbl.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, netip.MustParseAddr("10.0.0.3"), entries[0].Addr)
	require.Equal(t, nodetable.Learned, entries[0].Origin)
	require.Equal(t, start, entries[0].LastSeen)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Learned))
}

func TestHandleNodeInfoIgnoresOwnEcho(t *testing.T) {
	d, tbl, _ := newDiscovery(t, clock.NewManual(start), nil)
	require.NoError(t, d.HandleNodeInfo(d.Announcement()))
	require.Empty(t, tbl.Entries())
}

func TestHandleNodeInfoReportsConflict(t *testing.T) {
	d, tbl, m := newDiscovery(t, clock.NewManual(start), nil)
	require.NoError(t, tbl.AddStatic("node-A", netip.MustParseAddr("10.0.0.2")))

	err := d.HandleNodeInfo(&frame.Frame{Destination: frame.Broadcast, Source: "node-X", Type: frame.TypeNodeInfo, Payload: []byte("10.0.0.2")})
	require.ErrorIs(t, err, nodetable.ErrMappingConflict)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts))
	require.Len(t, tbl.Entries(), 1)
}

func TestHandleNodeInfoRejectsGarbage(t *testing.T) {
	d, tbl, _ := newDiscovery(t, clock.NewManual(start), nil)
	require.Error(t, d.HandleNodeInfo(&frame.Frame{Destination: frame.Broadcast, Source: "node-B", Type: frame.TypeNodeInfo, Payload: []byte("not-an-ip")}))
	require.Error(t, d.HandleNodeInfo(&frame.Frame{Destination: "msh-local", Source: "node-B", Type: frame.TypeData, Payload: []byte("10.0.0.3")}))
	require.Empty(t, tbl.Entries())
}
