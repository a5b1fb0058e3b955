package frame

import (
	"bytes"
	"iter"
)

// State is the deframer's position within the byte stream.
type State uint8

const (
	SeekingPreamble State = iota
	ReadingHeader
	ReadingPayload
	SeekingTerminator
)

func (s State) String() string {
	switch s {
	case SeekingPreamble:
		return "seeking_preamble"
	case ReadingHeader:
		return "reading_header"
	case ReadingPayload:
		return "reading_payload"
	case SeekingTerminator:
		return "seeking_terminator"
	}
	return "unknown"
}

// Deframer recovers frames from an arbitrary byte stream. Bytes before a
// preamble are discarded. A span that fails to parse is reported as a
// *DecodeError and skipped up to the next unescaped marker, which is then
// treated as a possible preamble, so a corrupt frame never costs the one
// behind it. Noise between that marker and the next preamble is discarded
// without a second error, as it would be after a good frame. A Deframer is
// not safe for concurrent use.
type Deframer struct {
	limits  Limits
	state   State
	pending []byte

	addr    []byte
	meta    []byte
	seps    int
	span    int
	cur     *Frame
	payload []byte
	escaped bool
	// resync marks a span opened by the terminator of a dropped span.
	resync bool
}

func NewDeframer(limits Limits) *Deframer {
	return &Deframer{limits: limits}
}

func (d *Deframer) State() State { return d.state }

// Buffered returns the number of fed bytes not yet consumed.
func (d *Deframer) Buffered() int { return len(d.pending) }

// Reset discards any partially assembled frame and unconsumed input.
func (d *Deframer) Reset() {
	d.pending = nil
	d.clear(SeekingPreamble)
}

// Feed appends p to the stream and returns the frames it completes. The
// sequence is lazy: input is consumed while it is iterated, and whatever an
// early break leaves behind is picked up by the next Feed. Each dropped span
// is yielded once as a nil frame with a *DecodeError.
func (d *Deframer) Feed(p []byte) iter.Seq2[*Frame, error] {
	d.pending = append(d.pending, p...)
	return func(yield func(*Frame, error) bool) {
		for len(d.pending) > 0 {
			b := d.pending[0]
			d.pending = d.pending[1:]
			f, err := d.step(b)
			if f == nil && err == nil {
				continue
			}
			if !yield(f, err) {
				return
			}
		}
		d.pending = nil
	}
}

// Decode parses exactly one encoded frame.
func Decode(b []byte, limits Limits) (*Frame, error) {
	d := NewDeframer(limits)
	var out *Frame
	for f, err := range d.Feed(b) {
		if err != nil {
			return nil, err
		}
		if out != nil {
			return nil, &DecodeError{Skipped: len(b), Err: ErrFieldCount}
		}
		out = f
	}
	if out == nil || d.state != SeekingPreamble {
		return nil, &DecodeError{Skipped: len(b), Err: ErrTruncated}
	}
	return out, nil
}

func (d *Deframer) step(b byte) (*Frame, error) {
	d.span++
	switch d.state {
	case SeekingPreamble:
		if b == Preamble {
			d.begin()
		}
		return nil, nil

	case ReadingHeader:
		switch b {
		case Preamble:
			// A marker inside the header means the previous span never
			// finished; this marker opens the next one.
			broken, resync := d.span-1, d.resync
			d.begin()
			if broken > 1 && !resync {
				return nil, &DecodeError{Skipped: broken, Err: ErrTruncated}
			}
			return nil, nil
		case Separator:
			d.resync = false
			d.seps++
			if d.seps == 1 {
				f, err := d.parseAddress()
				if err != nil {
					return nil, d.abort(err)
				}
				d.cur = f
				return nil, nil
			}
			md, err := parseMetadata(d.meta)
			if err != nil {
				return nil, d.abort(err)
			}
			d.cur.Metadata = md
			d.state = ReadingPayload
			return nil, nil
		}
		if d.seps == 0 {
			d.addr = append(d.addr, b)
			if len(d.addr) > 3*d.limits.MaxNodeID+len("NODE_INFO")+2 {
				return nil, d.abort(ErrFieldTooLong)
			}
		} else {
			d.meta = append(d.meta, b)
			if d.limits.MaxMetadata > 0 && len(d.meta) > d.limits.MaxMetadata {
				return nil, d.abort(ErrFieldTooLong)
			}
		}
		return nil, nil

	case ReadingPayload:
		switch {
		case d.escaped:
			d.escaped = false
			if b != Terminator && b != Escape {
				return nil, d.abort(ErrBadEscape)
			}
		case b == Escape:
			d.escaped = true
			return nil, nil
		case b == Terminator:
			f := d.cur
			f.Payload = d.payload
			if f.Payload == nil {
				f.Payload = []byte{}
			}
			d.clear(SeekingPreamble)
			return f, nil
		}
		d.payload = append(d.payload, b)
		if d.limits.MaxPayload > 0 && len(d.payload) > d.limits.MaxPayload {
			return nil, d.abort(ErrPayloadTooLarge)
		}
		return nil, nil

	case SeekingTerminator:
		switch {
		case d.escaped:
			d.escaped = false
		case b == Escape:
			d.escaped = true
		case b == Terminator:
			d.begin()
			d.resync = true
		}
		return nil, nil
	}
	return nil, nil
}

func (d *Deframer) parseAddress() (*Frame, error) {
	parts := bytes.Split(d.addr, []byte{FieldSep})
	if len(parts) != 3 {
		return nil, ErrFieldCount
	}
	dst, src := string(parts[0]), string(parts[1])
	if err := checkNodeID(dst, true, d.limits.MaxNodeID); err != nil {
		return nil, err
	}
	if err := checkNodeID(src, false, d.limits.MaxNodeID); err != nil {
		return nil, err
	}
	typ, err := ParsePacketType(string(parts[2]))
	if err != nil {
		return nil, err
	}
	return &Frame{Destination: dst, Source: src, Type: typ}, nil
}

// begin starts a new span at a preamble.
func (d *Deframer) begin() {
	d.clear(ReadingHeader)
	d.span = 1
}

func (d *Deframer) abort(err error) error {
	skipped := d.span
	d.clear(SeekingTerminator)
	return &DecodeError{Skipped: skipped, Err: err}
}

func (d *Deframer) clear(next State) {
	d.state = next
	d.addr = d.addr[:0]
	d.meta = d.meta[:0]
	d.seps = 0
	d.span = 0
	d.cur = nil
	d.payload = nil
	d.escaped = false
	d.resync = false
}
