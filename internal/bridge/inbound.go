package bridge

import (
	"context"
	"errors"

	"meshtun/internal/metrics"
	"meshtun/internal/nodetable"
	"meshtun/pkg/frame"
)

// readSerial feeds serial bytes through the deframer. A partial frame left
// in the deframer at shutdown is discarded.
func (s *Session) readSerial(ctx context.Context) error {
	defer s.deframe.Reset()
	buf := make([]byte, serialReadSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.metrics.Bytes.WithLabelValues(metrics.Inbound).Add(float64(n))
			for f, derr := range s.deframe.Feed(buf[:n]) {
				if derr != nil {
					s.metrics.DecodeErrors.Inc()
					s.drops.warn("decode_error", derr, "dropped corrupt frame")
					continue
				}
				if werr := s.handleFrame(f); werr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return werr
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Device: "serial", Err: err}
		}
	}
}

// handleFrame routes one decoded frame. Only a failed interface write is
// returned; every other problem drops the frame.
func (s *Session) handleFrame(f *frame.Frame) error {
	s.metrics.Frame(metrics.Inbound, f.Type.String())
	switch f.Type {
	case frame.TypeNodeInfo:
		if err := s.disc.HandleNodeInfo(f); err != nil {
			if errors.Is(err, nodetable.ErrMappingConflict) {
				s.drops.warn("conflict", err, "rejected node announcement")
			} else {
				s.drops.warn("bad_announcement", err, "ignored node announcement")
			}
		}
		return nil
	case frame.TypeData, frame.TypeText:
		return s.deliver(f)
	default:
		s.metrics.Drop(metrics.DropUnknownType)
		return nil
	}
}

func (s *Session) deliver(f *frame.Frame) error {
	if !s.forUs(f) {
		s.metrics.Drop(metrics.DropNotForUs)
		return nil
	}
	if _, err := s.table.ResolveAddr(f.Source); err != nil {
		s.metrics.Drop(metrics.DropUnresolvedSource)
		s.drops.warn(metrics.DropUnresolvedSource, err, "dropped frame from unknown node")
		return nil
	}

	_, err := packetDst(f.Payload)
	if f.Type == frame.TypeText {
		if err != nil {
			s.log.Info().Str("from", f.Source).Str("text", string(f.Payload)).Msg("text message")
			return nil
		}
	}
	if err != nil {
		s.metrics.Drop(metrics.DropMalformedPacket)
		s.drops.warn(metrics.DropMalformedPacket, err, "dropped non-IP payload")
		return nil
	}

	if _, err := s.dev.WritePacket(f.Payload); err != nil {
		return &TransportError{Op: "write", Device: "tun", Err: err}
	}
	return nil
}

func (s *Session) forUs(f *frame.Frame) bool {
	if s.cfg.AcceptForeign || f.IsBroadcast() {
		return true
	}
	return f.Destination == s.cfg.NodeID || f.Destination == s.cfg.Addr.Addr().String()
}
