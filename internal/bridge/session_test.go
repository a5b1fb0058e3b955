package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/ipv4"

	"meshtun/internal/clock"
	"meshtun/internal/metrics"
	"meshtun/internal/nodetable"
	"meshtun/pkg/frame"
	"meshtun/pkg/tun"
)

type harness struct {
	s      *Session
	serial net.Conn  // radio side of the serial line
	kernel *tun.Fake // kernel side of the interface
	dev    *tun.Fake
	clk    *clock.Manual
	done   chan error
}

func baseConfig() Config {
	return Config{
		NodeID:            "msh-local",
		Addr:              netip.MustParsePrefix("10.0.0.1/24"),
		Static:            map[string]netip.Addr{"node-A": netip.MustParseAddr("10.0.0.2")},
		DiscoveryInterval: time.Minute,
	}
}

func start(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := baseConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	local, radio := net.Pipe()
	dev, kernel := tun.NewFakePair()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(cfg, local, dev, WithClock(clk), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h := &harness{s: s, serial: radio, kernel: kernel, dev: dev, clk: clk, done: make(chan error, 1)}
	go func() { h.done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		s.Stop()
		h.wait(t)
		radio.Close()
		kernel.Close()
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
		return nil
	}
}

func (h *harness) sendFrame(t *testing.T, f *frame.Frame) {
	t.Helper()
	raw, err := frame.Encode(f, frame.DefaultLimits())
	require.NoError(t, err)
	h.sendRaw(t, raw)
}

func (h *harness) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, h.serial.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.serial.Write(raw)
	require.NoError(t, err)
}

func (h *harness) readFrame(t *testing.T) *frame.Frame {
	t.Helper()
	d := frame.NewDeframer(frame.DefaultLimits())
	require.NoError(t, h.serial.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	for {
		n, err := h.serial.Read(buf)
		require.NoError(t, err)
		for f, derr := range d.Feed(buf[:n]) {
			require.NoError(t, derr)
			return f
		}
	}
}

func (h *harness) readPacket(t *testing.T, timeout time.Duration) ([]byte, error) {
	t.Helper()
	require.NoError(t, h.kernel.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 2048)
	n, err := h.kernel.ReadPacket(buf)
	return buf[:n], err
}

func (h *harness) drops(reason string) float64 {
	return testutil.ToFloat64(h.s.Metrics().Drops.WithLabelValues(reason))
}

func ipv4Packet(t *testing.T, src, dst string, body string) []byte {
	t.Helper()
	hdr := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(body),
		TTL:      64,
		Protocol: 17,
		Src:      net.ParseIP(src),
		Dst:      net.ParseIP(dst),
	}
	b, err := hdr.Marshal()
	require.NoError(t, err)
	return append(b, body...)
}

func TestInboundDataReachesInterface(t *testing.T) {
	h := start(t, nil)
	pkt := ipv4Packet(t, "10.0.0.2", "10.0.0.1", "ping")
	require.NotContains(t, string(pkt), "!")
	require.NotContains(t, string(pkt), `\`)

	h.sendRaw(t, append(append([]byte("!10.0.0.1:node-A:DATA|{}|"), pkt...), '!'))

	got, err := h.readPacket(t, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
	require.Equal(t, 1.0, testutil.ToFloat64(h.s.Metrics().Frames.WithLabelValues(metrics.Inbound, "DATA")))
}

func TestOutboundPacketIsFramedForNode(t *testing.T) {
	h := start(t, nil)
	pkt := ipv4Packet(t, "10.0.0.1", "10.0.0.2", "pong")

	_, err := h.kernel.WritePacket(pkt)
	require.NoError(t, err)

	want := append(append([]byte("!node-A:msh-local:DATA|{}|"), pkt...), '!')
	got := make([]byte, len(want))
	require.NoError(t, h.serial.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(h.serial, got)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnmappedDestinationIsDropped(t *testing.T) {
	h := start(t, nil)
	_, err := h.kernel.WritePacket(ipv4Packet(t, "10.0.0.1", "10.0.0.99", "lost"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.drops(metrics.DropUnresolvedDest) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.serial.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, err := h.serial.Read(make([]byte, 64))
	require.Zero(t, n)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestBroadcastDestinationsUseSentinel(t *testing.T) {
	h := start(t, nil)
	for _, dst := range []string{"10.0.0.255", "224.0.0.251", "255.255.255.255"} {
		_, err := h.kernel.WritePacket(ipv4Packet(t, "10.0.0.1", dst, "all"))
		require.NoError(t, err)
		f := h.readFrame(t)
		require.Equal(t, frame.Broadcast, f.Destination, dst)
	}
}

func TestPointToPointPeerIsNotBroadcast(t *testing.T) {
	h := start(t, func(c *Config) {
		c.Addr = netip.MustParsePrefix("10.0.0.0/31")
		c.Static = map[string]netip.Addr{"node-A": netip.MustParseAddr("10.0.0.1")}
	})
	_, err := h.kernel.WritePacket(ipv4Packet(t, "10.0.0.0", "10.0.0.1", "p2p"))
	require.NoError(t, err)
	f := h.readFrame(t)
	require.Equal(t, "node-A", f.Destination)
	require.Zero(t, h.drops(metrics.DropUnresolvedDest))
}

func TestInboundDropsAreCountedAndNotFatal(t *testing.T) {
	h := start(t, nil)
	pkt := ipv4Packet(t, "10.0.0.2", "10.0.0.1", "data")

	cases := []struct {
		frame  *frame.Frame
		reason string
	}{
		{&frame.Frame{Destination: "msh-local", Source: "node-Q", Type: frame.TypeData, Payload: pkt}, metrics.DropUnresolvedSource},
		{&frame.Frame{Destination: "node-Z", Source: "node-A", Type: frame.TypeData, Payload: pkt}, metrics.DropNotForUs},
		{&frame.Frame{Destination: "msh-local", Source: "node-A", Type: frame.TypeData, Payload: []byte("hello")}, metrics.DropMalformedPacket},
	}
	for _, tc := range cases {
		h.sendFrame(t, tc.frame)
		require.Eventually(t, func() bool { return h.drops(tc.reason) == 1 }, time.Second, time.Millisecond, tc.reason)
	}

	h.sendFrame(t, &frame.Frame{Destination: frame.Broadcast, Source: "node-A", Type: frame.TypeData, Payload: pkt})
	got, err := h.readPacket(t, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
	require.Equal(t, Running, h.s.State())
}

func TestAcceptForeignDeliversAnyDestination(t *testing.T) {
	h := start(t, func(c *Config) { c.AcceptForeign = true })
	pkt := ipv4Packet(t, "10.0.0.2", "10.0.0.1", "data")
	h.sendFrame(t, &frame.Frame{Destination: "node-Z", Source: "node-A", Type: frame.TypeData, Payload: pkt})
	got, err := h.readPacket(t, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
}

func TestCorruptFrameIsSkipped(t *testing.T) {
	h := start(t, nil)
	pkt := ipv4Packet(t, "10.0.0.2", "10.0.0.1", "ok")
	valid, err := frame.Encode(&frame.Frame{Destination: "msh-local", Source: "node-A", Type: frame.TypeData, Payload: pkt}, frame.DefaultLimits())
	require.NoError(t, err)

	h.sendRaw(t, append([]byte("!garbage!"), valid...))

	got, err := h.readPacket(t, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
	require.Equal(t, 1.0, testutil.ToFloat64(h.s.Metrics().DecodeErrors))

	_, err = h.readPacket(t, 20*time.Millisecond)
	require.Error(t, err, "only the valid frame is delivered")
}

func TestTextFrameWithoutPacketIsOnlyLogged(t *testing.T) {
	h := start(t, nil)
	h.sendFrame(t, &frame.Frame{Destination: "msh-local", Source: "node-A", Type: frame.TypeText, Payload: []byte("hello mesh")})

	_, err := h.readPacket(t, 50*time.Millisecond)
	require.Error(t, err)
	require.Zero(t, h.drops(metrics.DropMalformedPacket))
	require.Equal(t, 1.0, testutil.ToFloat64(h.s.Metrics().Frames.WithLabelValues(metrics.Inbound, "TEXT")))
}

func TestNodeInfoTeachesRoute(t *testing.T) {
	h := start(t, nil)
	h.sendFrame(t, &frame.Frame{
		Destination: frame.Broadcast,
		Source:      "node-B",
		Type:        frame.TypeNodeInfo,
		Metadata:    frame.NewMetadata().Set("hop", 0).Set("limit", 3),
		Payload:     []byte("10.0.0.3"),
	})
	require.Eventually(t, func() bool {
		_, err := h.s.Table().ResolveAddr("node-B")
		return err == nil
	}, time.Second, time.Millisecond)

	_, err := h.kernel.WritePacket(ipv4Packet(t, "10.0.0.1", "10.0.0.3", "hi"))
	require.NoError(t, err)
	f := h.readFrame(t)
	require.Equal(t, "node-B", f.Destination)
	require.Equal(t, "msh-local", f.Source)
	require.Zero(t, f.Metadata.Len())
}

func TestNodeInfoCannotOverrideStatic(t *testing.T) {
	h := start(t, nil)
	h.sendFrame(t, &frame.Frame{Destination: frame.Broadcast, Source: "node-X", Type: frame.TypeNodeInfo, Payload: []byte("10.0.0.2")})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.s.Metrics().Conflicts) == 1
	}, time.Second, time.Millisecond)

	node, err := h.s.Table().ResolveNode(netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	require.Equal(t, "node-A", node)
}

func TestDiscoveryTickWritesAnnouncement(t *testing.T) {
	h := start(t, nil)
	require.True(t, h.clk.WaitForTicker(time.Second))
	h.clk.Advance(time.Minute)

	f := h.readFrame(t)
	require.True(t, f.IsBroadcast())
	require.Equal(t, frame.TypeNodeInfo, f.Type)
	require.Equal(t, []byte("10.0.0.1"), f.Payload)
	hop, ok := f.Metadata.Int("hop")
	require.True(t, ok)
	require.Zero(t, hop)
}

func TestOversizedPacketCountsEncodeError(t *testing.T) {
	h := start(t, func(c *Config) {
		c.Limits = frame.Limits{MaxNodeID: 64, MaxMetadata: 1024, MaxPayload: 64}
	})
	_, err := h.kernel.WritePacket(ipv4Packet(t, "10.0.0.1", "10.0.0.2", string(make([]byte, 100))))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.drops(metrics.DropEncodeError) == 1 }, time.Second, time.Millisecond)
}

func TestStopShutsDownCleanly(t *testing.T) {
	h := start(t, nil)
	h.s.Stop()
	require.NoError(t, h.wait(t))
	require.Equal(t, Stopped, h.s.State())

	_, err := h.dev.ReadPacket(make([]byte, 4))
	require.ErrorIs(t, err, tun.ErrClosed)
	require.Error(t, h.s.Run(context.Background()))

	h.serial.Close()
	h.kernel.Close()
	goleak.VerifyNone(t)
}

func TestContextCancelStopsSession(t *testing.T) {
	local, radio := net.Pipe()
	defer radio.Close()
	dev, kernel := tun.NewFakePair()
	defer kernel.Close()
	s, err := New(baseConfig(), local, dev, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not stop the session")
	}
}

func TestSerialFailureIsFatal(t *testing.T) {
	h := start(t, nil)
	h.serial.Close()

	err := h.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "serial", te.Device)
	require.Equal(t, "read", te.Op)
	require.True(t, errors.Is(err, io.EOF))
	require.Equal(t, Stopped, h.s.State())
}

func TestInterfaceFailureIsFatal(t *testing.T) {
	h := start(t, nil)
	h.dev.Close()

	err := h.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "tun", te.Device)
	require.ErrorIs(t, err, tun.ErrClosed)
}

func TestNewRejectsConflictingStaticTable(t *testing.T) {
	local, radio := net.Pipe()
	defer local.Close()
	defer radio.Close()
	dev, kernel := tun.NewFakePair()
	defer kernel.Close()

	cfg := baseConfig()
	cfg.Static = map[string]netip.Addr{
		"node-A": netip.MustParseAddr("10.0.0.2"),
		"node-B": netip.MustParseAddr("10.0.0.2"),
	}
	_, err := New(cfg, local, dev, WithLogger(zerolog.Nop()))
	require.ErrorIs(t, err, nodetable.ErrMappingConflict)

	cfg = baseConfig()
	cfg.DiscoveryInterval = 0
	_, err = New(cfg, local, dev, WithLogger(zerolog.Nop()))
	require.Error(t, err)

	cfg = baseConfig()
	cfg.NodeID = "bad:id"
	_, err = New(cfg, local, dev, WithLogger(zerolog.Nop()))
	require.ErrorIs(t, err, frame.ErrReservedByte)
}

func TestPacketDst(t *testing.T) {
	dst, err := packetDst(ipv4Packet(t, "10.0.0.1", "10.0.0.7", "x"))
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.7"), dst)

	v6 := make([]byte, 40)
	v6[0] = 0x60
	copy(v6[24:], netip.MustParseAddr("fd00::7").AsSlice())
	dst, err = packetDst(v6)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("fd00::7"), dst)

	short := ipv4Packet(t, "10.0.0.1", "10.0.0.7", "xyz")
	_, err = packetDst(short[:len(short)-1])
	require.ErrorIs(t, err, errNotIP)
	_, err = packetDst([]byte("hello"))
	require.ErrorIs(t, err, errNotIP)
	_, err = packetDst(nil)
	require.ErrorIs(t, err, errNotIP)
}

func TestBroadcastAddr(t *testing.T) {
	require.Equal(t, netip.MustParseAddr("10.0.0.255"), broadcastAddr(netip.MustParsePrefix("10.0.0.1/24")))
	require.Equal(t, netip.MustParseAddr("10.0.1.255"), broadcastAddr(netip.MustParsePrefix("10.0.0.1/23")))
	require.False(t, broadcastAddr(netip.MustParsePrefix("10.0.0.0/31")).IsValid())
	require.False(t, broadcastAddr(netip.MustParsePrefix("10.0.0.1/32")).IsValid())
	require.False(t, broadcastAddr(netip.MustParsePrefix("fd00::1/64")).IsValid())
}
