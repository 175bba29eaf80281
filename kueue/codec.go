package kueue

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

// Compression selects how record values are stored in segment files.
type Compression int32

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

// ParseCompression maps a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, fmt.Errorf("%w: unknown compression %q", ErrInvalid, s)
}

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	}
	return "none"
}

// Segment record field numbers.
const (
	fieldOffset      protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldKey         protowire.Number = 3
	fieldValue       protowire.Number = 4
	fieldCompression protowire.Number = 6
	fieldRawLength   protowire.Number = 7
)

var errCorruptRecord = errors.New("corrupt record")

// encodeRecord serializes a record for a segment file. Topic and partition are
// implied by the segment directory and are not written. A missing key field
// decodes to a nil key, a missing value field to a tombstone.
func encodeRecord(r Record, c Compression) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Offset))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	if r.Key != nil {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if r.Value == nil {
		return b, nil
	}
	value, used, err := compress(r.Value, c)
	if err != nil {
		return nil, err
	}
	if used != CompressionNone {
		b = protowire.AppendTag(b, fieldCompression, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(used))
		b = protowire.AppendTag(b, fieldRawLength, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(len(r.Value)))
	}
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	return b, nil
}

func decodeRecord(b []byte) (Record, error) {
	var (
		r         Record
		c         Compression
		rawLength int
		value     []byte
		hasValue  bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", errCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", errCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOffset:
				r.Offset = int64(v)
			case fieldTimestamp:
				r.Timestamp = int64(v)
			case fieldCompression:
				c = Compression(v)
			case fieldRawLength:
				rawLength = int(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", errCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKey:
				r.Key = append([]byte{}, v...)
			case fieldValue:
				value = v
				hasValue = true
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", errCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if hasValue {
		v, err := decompress(value, c, rawLength)
		if err != nil {
			return r, err
		}
		if v == nil {
			v = []byte{}
		}
		r.Value = v
	}
	return r, nil
}

// compress returns the encoded value and the compression actually applied.
// Values lz4 cannot shrink are stored raw.
func compress(v []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionSnappy:
		return snappy.Encode(nil, v), CompressionSnappy, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(v)))
		n, err := lz4.CompressBlock(v, dst, nil)
		if err != nil {
			return nil, CompressionNone, err
		}
		if n == 0 {
			return append([]byte{}, v...), CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	}
	return append([]byte{}, v...), CompressionNone, nil
}

func decompress(v []byte, c Compression, rawLength int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return append([]byte{}, v...), nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, v)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", errCorruptRecord, err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLength)
		n, err := lz4.UncompressBlock(v, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", errCorruptRecord, err)
		}
		return out[:n], nil
	}
	return nil, fmt.Errorf("%w: unknown compression %d", errCorruptRecord, c)
}
