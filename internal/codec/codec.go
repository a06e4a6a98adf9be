// Package codec translates (key, value, schema_version, extra) records to
// and from the self-describing binary layout persisted in each replica's
// cold log.
//
// Framing (all integers big-endian, fixed width):
//
//	schema 1:       u8 version=1 | u32 key_len | u32 value_len | key | value
//	schema 2,3,4:   u8 version   | u32 key_len | u32 value_len | u32 extra_len | key | value | extra
//
// value is JSON-encoded UTF-8 then deflate/zlib-compressed (RFC 1950,
// adler32-checked, default compression level). extra is only meaningful for
// schema versions 2-4.
//
// © 2025 tiered-kv authors. MIT License.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/Voskan/tiered-kv/internal/unsafehelpers"
)

// SchemaVersion identifies one of the four on-disk record layouts.
type SchemaVersion uint8

const (
	Schema1 SchemaVersion = 1
	Schema2 SchemaVersion = 2
	Schema3 SchemaVersion = 3
	Schema4 SchemaVersion = 4
)

// Valid reports whether v is one of the four supported schema versions.
func (v SchemaVersion) Valid() bool {
	return v >= Schema1 && v <= Schema4
}

// UnsupportedSchemaError is returned by Encode/Decode when the schema
// version byte is outside {1,2,3,4}.
type UnsupportedSchemaError struct {
	Version SchemaVersion
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("codec: unsupported schema version %d", e.Version)
}

// CodecError wraps any JSON, compression, or UTF-8 failure encountered while
// encoding or decoding a record.
type CodecError struct {
	Op    string
	Cause error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec: %s: %v", e.Op, e.Cause) }
func (e *CodecError) Unwrap() error { return e.Cause }

// Record is the decoded form of one on-disk entry.
type Record struct {
	Key           string
	Value         any
	SchemaVersion SchemaVersion
	Extra         string
	HasExtra      bool
}

// Encode serialises (key, value, schemaVersion, extra) into the wire format
// for that schema. extra is ignored for Schema1.
func Encode(key string, value any, schemaVersion SchemaVersion, extra string, hasExtra bool) ([]byte, error) {
	if !schemaVersion.Valid() {
		return nil, &UnsupportedSchemaError{Version: schemaVersion}
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, &CodecError{Op: "marshal value", Cause: err}
	}

	valueCompressed, err := deflate(valueJSON)
	if err != nil {
		return nil, &CodecError{Op: "compress value", Cause: err}
	}

	keyBytes := unsafehelpers.StringToBytes(key)

	if schemaVersion == Schema1 {
		buf := make([]byte, 0, 9+len(keyBytes)+len(valueCompressed))
		buf = append(buf, byte(schemaVersion))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(keyBytes)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(valueCompressed)))
		buf = append(buf, keyBytes...)
		buf = append(buf, valueCompressed...)
		return buf, nil
	}

	var extraBytes []byte
	if hasExtra {
		extraBytes = unsafehelpers.StringToBytes(extra)
	}

	buf := make([]byte, 0, 13+len(keyBytes)+len(valueCompressed)+len(extraBytes))
	buf = append(buf, byte(schemaVersion))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keyBytes)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(valueCompressed)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(extraBytes)))
	buf = append(buf, keyBytes...)
	buf = append(buf, valueCompressed...)
	buf = append(buf, extraBytes...)
	return buf, nil
}

// Decode reads exactly one record from the start of data and returns it
// along with the number of bytes consumed. Trailing bytes in data beyond the
// one record are ignored; callers that need to keep scanning (the cold-log
// index rebuilder) use the returned count.
func Decode(data []byte) (Record, int, error) {
	if len(data) < 1 {
		return Record{}, 0, &CodecError{Op: "read version", Cause: io.ErrUnexpectedEOF}
	}
	schemaVersion := SchemaVersion(data[0])
	if !schemaVersion.Valid() {
		return Record{}, 0, &UnsupportedSchemaError{Version: schemaVersion}
	}

	if schemaVersion == Schema1 {
		if len(data) < 9 {
			return Record{}, 0, &CodecError{Op: "read header", Cause: io.ErrUnexpectedEOF}
		}
		keyLen := binary.BigEndian.Uint32(data[1:5])
		valueLen := binary.BigEndian.Uint32(data[5:9])
		end := 9 + int(keyLen) + int(valueLen)
		if len(data) < end {
			return Record{}, 0, &CodecError{Op: "read body", Cause: io.ErrUnexpectedEOF}
		}
		key := string(data[9 : 9+keyLen])
		if !utf8.ValidString(key) {
			return Record{}, 0, &CodecError{Op: "decode key", Cause: fmt.Errorf("invalid UTF-8")}
		}
		valueCompressed := data[9+keyLen : end]
		value, err := inflateJSON(valueCompressed)
		if err != nil {
			return Record{}, 0, err
		}
		return Record{Key: key, Value: value, SchemaVersion: schemaVersion}, end, nil
	}

	if len(data) < 13 {
		return Record{}, 0, &CodecError{Op: "read header", Cause: io.ErrUnexpectedEOF}
	}
	keyLen := binary.BigEndian.Uint32(data[1:5])
	valueLen := binary.BigEndian.Uint32(data[5:9])
	extraLen := binary.BigEndian.Uint32(data[9:13])
	end := 13 + int(keyLen) + int(valueLen) + int(extraLen)
	if len(data) < end {
		return Record{}, 0, &CodecError{Op: "read body", Cause: io.ErrUnexpectedEOF}
	}
	key := string(data[13 : 13+keyLen])
	if !utf8.ValidString(key) {
		return Record{}, 0, &CodecError{Op: "decode key", Cause: fmt.Errorf("invalid UTF-8")}
	}
	valueCompressed := data[13+keyLen : 13+int(keyLen)+int(valueLen)]
	value, err := inflateJSON(valueCompressed)
	if err != nil {
		return Record{}, 0, err
	}
	rec := Record{Key: key, Value: value, SchemaVersion: schemaVersion}
	if extraLen > 0 {
		rec.Extra = string(data[13+int(keyLen)+int(valueLen) : end])
		if !utf8.ValidString(rec.Extra) {
			return Record{}, 0, &CodecError{Op: "decode extra", Cause: fmt.Errorf("invalid UTF-8")}
		}
		rec.HasExtra = true
	}
	return rec, end, nil
}

// VersionedKey returns "<key>::<YYYYMMDDTHHMMSSffffff>" using local wall
// clock at microsecond precision, for callers that want an explicit
// version-tagged key rather than the engine's own "<key>::hist<ms>" suffix.
func VersionedKey(key string) string {
	now := time.Now()
	return key + "::" + now.Format("20060102T150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateJSON(p []byte) (any, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, &CodecError{Op: "decompress value", Cause: err}
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &CodecError{Op: "decompress value", Cause: err}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, &CodecError{Op: "unmarshal value", Cause: err}
	}
	return value, nil
}
