package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata is the flat key/value block between the two separators. Keys keep
// their insertion order on the wire. Values are strings, json.Number, bools or
// nil. A nil *Metadata is a valid empty block.
type Metadata struct {
	m *orderedmap.OrderedMap[string, any]
}

func NewMetadata() *Metadata {
	return &Metadata{m: orderedmap.New[string, any]()}
}

// Set stores value under key. Integer and float values of any width are kept
// as json.Number.
func (md *Metadata) Set(key string, value any) *Metadata {
	switch v := value.(type) {
	case int:
		value = json.Number(strconv.FormatInt(int64(v), 10))
	case int8:
		value = json.Number(strconv.FormatInt(int64(v), 10))
	case int16:
		value = json.Number(strconv.FormatInt(int64(v), 10))
	case int32:
		value = json.Number(strconv.FormatInt(int64(v), 10))
	case int64:
		value = json.Number(strconv.FormatInt(v, 10))
	case uint:
		value = json.Number(strconv.FormatUint(uint64(v), 10))
	case uint8:
		value = json.Number(strconv.FormatUint(uint64(v), 10))
	case uint16:
		value = json.Number(strconv.FormatUint(uint64(v), 10))
	case uint32:
		value = json.Number(strconv.FormatUint(uint64(v), 10))
	case uint64:
		value = json.Number(strconv.FormatUint(v, 10))
	case float32:
		value = json.Number(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		value = json.Number(strconv.FormatFloat(v, 'g', -1, 64))
	}
	md.m.Set(key, value)
	return md
}

func (md *Metadata) Get(key string) (any, bool) {
	if md == nil {
		return nil, false
	}
	return md.m.Get(key)
}

// Int returns the value under key as an integer.
func (md *Metadata) Int(key string) (int64, bool) {
	v, ok := md.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func (md *Metadata) Len() int {
	if md == nil {
		return 0
	}
	return md.m.Len()
}

// Keys returns the keys in wire order.
func (md *Metadata) Keys() []string {
	if md == nil {
		return nil
	}
	keys := make([]string, 0, md.m.Len())
	for pair := md.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

func (md *Metadata) Equal(o *Metadata) bool {
	a, errA := md.MarshalJSON()
	b, errB := o.MarshalJSON()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (md *Metadata) String() string {
	b, err := md.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

// MarshalJSON writes the block as a compact JSON object in key order.
func (md *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if md != nil {
		first := true
		for pair := md.m.Oldest(); pair != nil; pair = pair.Next() {
			switch pair.Value.(type) {
			case string, json.Number, bool, nil:
			default:
				return nil, fmt.Errorf("%w: value for %q is %T", ErrMetadata, pair.Key, pair.Value)
			}
			k, err := json.Marshal(pair.Key)
			if err != nil {
				return nil, err
			}
			v, err := json.Marshal(pair.Value)
			if err != nil {
				return nil, err
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// parseMetadata reads a flat JSON object, rejecting nested values.
func parseMetadata(b []byte) (*Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: not an object", ErrMetadata)
	}

	md := NewMetadata()
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key", ErrMetadata)
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
		}
		if _, nested := tok.(json.Delim); nested {
			return nil, fmt.Errorf("%w: nested value for %q", ErrMetadata, key)
		}
		md.m.Set(key, tok)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMetadata)
	}
	return md, nil
}
