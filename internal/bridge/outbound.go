package bridge

import (
	"context"
	"errors"
	"net/netip"

	"meshtun/internal/metrics"
	"meshtun/pkg/frame"
)

// readTUN wraps every packet leaving the interface in a DATA frame.
func (s *Session) readTUN(ctx context.Context) error {
	buf := make([]byte, max(s.cfg.MTU, s.cfg.Limits.MaxPayload)+1)
	for {
		n, err := s.dev.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Device: "tun", Err: err}
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := s.handlePacket(ctx, pkt); err != nil {
			return nil
		}
	}
}

// handlePacket returns an error only when ctx ends while waiting for the
// writer queue.
func (s *Session) handlePacket(ctx context.Context, pkt []byte) error {
	dst, err := packetDst(pkt)
	if err != nil {
		s.metrics.Drop(metrics.DropMalformedPacket)
		s.drops.warn(metrics.DropMalformedPacket, err, "dropped unparsable outbound packet")
		return nil
	}

	node, ok := s.nodeFor(dst)
	if !ok {
		s.metrics.Drop(metrics.DropUnresolvedDest)
		s.drops.warnf(metrics.DropUnresolvedDest, "no mesh node for %s", dst)
		return nil
	}

	err = s.enqueue(ctx, &frame.Frame{
		Destination: node,
		Source:      s.cfg.NodeID,
		Type:        frame.TypeData,
		Payload:     pkt,
	})
	var encErr *frame.EncodeError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &encErr):
		s.metrics.Drop(metrics.DropEncodeError)
		s.drops.warn(metrics.DropEncodeError, err, "could not frame outbound packet")
		return nil
	default:
		return err
	}
}

// nodeFor maps a destination address to a mesh node. Multicast and the
// subnet broadcast go to every node.
func (s *Session) nodeFor(dst netip.Addr) (string, bool) {
	if dst.IsMulticast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || dst == broadcastAddr(s.cfg.Addr) {
		return frame.Broadcast, true
	}
	node, err := s.table.ResolveNode(dst)
	if err != nil {
		return "", false
	}
	return node, true
}
