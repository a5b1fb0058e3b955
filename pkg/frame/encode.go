package frame

import "bytes"

// Encode serialises f for the wire. It fails with *EncodeError when a header
// field carries a reserved byte or the payload exceeds limits.MaxPayload.
func Encode(f *Frame, limits Limits) ([]byte, error) {
	if f == nil {
		return nil, &EncodeError{Field: "frame", Err: ErrEmptyField}
	}
	if err := checkNodeID(f.Destination, true, limits.MaxNodeID); err != nil {
		return nil, &EncodeError{Field: "destination", Err: err}
	}
	if err := checkNodeID(f.Source, false, limits.MaxNodeID); err != nil {
		return nil, &EncodeError{Field: "source", Err: err}
	}
	if !f.Type.Valid() {
		return nil, &EncodeError{Field: "packet_type", Err: ErrUnknownType}
	}

	meta, err := f.Metadata.MarshalJSON()
	if err != nil {
		return nil, &EncodeError{Field: "metadata", Err: err}
	}
	if limits.MaxMetadata > 0 && len(meta) > limits.MaxMetadata {
		return nil, &EncodeError{Field: "metadata", Err: ErrFieldTooLong}
	}
	if bytes.IndexByte(meta, Preamble) >= 0 || bytes.IndexByte(meta, Separator) >= 0 {
		return nil, &EncodeError{Field: "metadata", Err: ErrReservedByte}
	}
	if limits.MaxPayload > 0 && len(f.Payload) > limits.MaxPayload {
		return nil, &EncodeError{Field: "payload", Err: ErrPayloadTooLarge}
	}

	typ := f.Type.String()
	buf := make([]byte, 0, 6+len(f.Destination)+len(f.Source)+len(typ)+len(meta)+len(f.Payload)+len(f.Payload)/16)
	buf = append(buf, Preamble)
	buf = append(buf, f.Destination...)
	buf = append(buf, FieldSep)
	buf = append(buf, f.Source...)
	buf = append(buf, FieldSep)
	buf = append(buf, typ...)
	buf = append(buf, Separator)
	buf = append(buf, meta...)
	buf = append(buf, Separator)
	buf = appendEscaped(buf, f.Payload)
	buf = append(buf, Terminator)
	return buf, nil
}

func appendEscaped(dst, payload []byte) []byte {
	for _, b := range payload {
		if b == Terminator || b == Escape {
			dst = append(dst, Escape)
		}
		dst = append(dst, b)
	}
	return dst
}
