package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion is the version of the snapshot body format written by Encode.
const CurrentVersion uint32 = 1

// magic identifies a snapshot image.
var magic = [4]byte{'O', 'P', 'S', 'N'}

// headerSize is magic + version + tick + timestamp + flags.
const headerSize = 4 + 4 + 8 + 8 + 1

const (
	flagNone byte = 0
	flagZstd byte = 1
)

// ErrIncompatibleSnapshot is returned when an image has an unknown magic or version.
var ErrIncompatibleSnapshot = eris.New("incompatible snapshot")

// Header is the uncompressed prefix of a snapshot image.
type Header struct {
	Version    uint32
	Tick       uint64
	Timestamp  time.Time
	Compressed bool
}

//nolint:gochecknoglobals // Encoders and decoders are safe for concurrent use and costly to create
var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(eris.Wrap(err, "failed to create zstd encoder"))
		}
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		var err error
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			panic(eris.Wrap(err, "failed to create zstd decoder"))
		}
	})
	return decoder
}

// Encode serializes an image into a compressed, versioned binary snapshot stamped with the current
// time.
func Encode(img *state.Image) ([]byte, error) {
	return encodeAt(img, time.Now())
}

func encodeAt(img *state.Image, now time.Time) ([]byte, error) {
	body, err := encodeBody(img)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(body)/2)
	copy(out, magic[:])
	binary.BigEndian.PutUint32(out[4:], CurrentVersion)
	binary.BigEndian.PutUint64(out[8:], img.Tick)
	binary.BigEndian.PutUint64(out[16:], uint64(now.UnixNano())) //nolint:gosec // Round-trips through int64
	out[24] = flagZstd
	return zstdEncoder().EncodeAll(body, out), nil
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (*state.Image, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	body := data[headerSize:]
	if header.Compressed {
		body, err = zstdDecoder().DecodeAll(body, nil)
		if err != nil {
			return nil, eris.Wrap(err, "failed to decompress snapshot body")
		}
	}

	img, err := decodeBody(body)
	if err != nil {
		return nil, eris.Wrap(err, "failed to decode snapshot body")
	}
	img.Tick = header.Tick
	return img, nil
}

// DecodeHeader parses and checks the header of a snapshot without touching the body.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, eris.Wrapf(ErrIncompatibleSnapshot, "snapshot is %d bytes, shorter than its header", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return Header{}, eris.Wrap(ErrIncompatibleSnapshot, "bad magic")
	}
	header := Header{
		Version:   binary.BigEndian.Uint32(data[4:]),
		Tick:      binary.BigEndian.Uint64(data[8:]),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(data[16:]))), //nolint:gosec // Written from int64
	}
	if header.Version != CurrentVersion {
		return Header{}, eris.Wrapf(ErrIncompatibleSnapshot, "version %d, expected %d", header.Version, CurrentVersion)
	}
	switch data[24] {
	case flagNone:
	case flagZstd:
		header.Compressed = true
	default:
		return Header{}, eris.Wrapf(ErrIncompatibleSnapshot, "unknown flags %#x", data[24])
	}
	return header, nil
}

// Hash returns the SHA-256 of the tick and the uncompressed body of img. Two states hash equal if
// and only if they encode the same, which makes the hash usable for desync detection.
func Hash(img *state.Image) ([]byte, error) {
	body, err := encodeBody(img)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	var tick [8]byte
	binary.BigEndian.PutUint64(tick[:], img.Tick)
	h.Write(tick[:])
	h.Write(body)
	return h.Sum(nil), nil
}

// -------------------------------------------------------------------------------------------------
// Body
// -------------------------------------------------------------------------------------------------
// The body is protobuf wire format, written with protowire so no generated code is needed:
//
//	Image  { repeated Table tables = 1; repeated Global globals = 2; }
//	Table  { string name = 1; repeated Column columns = 2; }
//	Column { string name = 1; uint32 type = 2; uint64 rows = 3;
//	         repeated sint64 ints = 4 [packed]; repeated double floats = 5 [packed];
//	         repeated string strings = 6; repeated bool bools = 7 [packed]; }
//	Global { string key = 1; sint64 int = 2; double float = 3; string str = 4; bool bool = 5; }
// -------------------------------------------------------------------------------------------------

const (
	imageTables  protowire.Number = 1
	imageGlobals protowire.Number = 2

	tableName    protowire.Number = 1
	tableColumns protowire.Number = 2

	columnName    protowire.Number = 1
	columnType    protowire.Number = 2
	columnRows    protowire.Number = 3
	columnInts    protowire.Number = 4
	columnFloats  protowire.Number = 5
	columnStrings protowire.Number = 6
	columnBools   protowire.Number = 7

	globalKey    protowire.Number = 1
	globalInt    protowire.Number = 2
	globalFloat  protowire.Number = 3
	globalString protowire.Number = 4
	globalBool   protowire.Number = 5
)

func encodeBody(img *state.Image) ([]byte, error) {
	if img == nil {
		return nil, eris.New("image cannot be nil")
	}
	var b []byte
	for _, t := range img.Tables {
		tb, err := encodeTable(t)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, imageTables, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}

	keys := make([]string, 0, len(img.Globals))
	for k := range img.Globals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		gb, err := encodeGlobal(k, img.Globals[k])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, imageGlobals, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	return b, nil
}

func encodeTable(t state.TableImage) ([]byte, error) {
	if len(t.Columns) != len(t.Schema) {
		return nil, eris.Errorf("table %q has %d columns but %d schema entries", t.Name, len(t.Columns), len(t.Schema))
	}
	var b []byte
	b = protowire.AppendTag(b, tableName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	for i, def := range t.Schema {
		cb, err := encodeColumn(def, t.Columns[i])
		if err != nil {
			return nil, eris.Wrapf(err, "table %q", t.Name)
		}
		b = protowire.AppendTag(b, tableColumns, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b, nil
}

func encodeColumn(def state.ColumnDef, data any) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, columnName, protowire.BytesType)
	b = protowire.AppendString(b, def.Name)
	b = protowire.AppendTag(b, columnType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(def.Type))

	var packed []byte
	switch values := data.(type) {
	case []int64:
		if def.Type != state.TypeInt64 {
			break
		}
		b = appendRows(b, len(values))
		for _, v := range values {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
		}
		return appendPacked(b, columnInts, packed), nil
	case []float64:
		if def.Type != state.TypeFloat64 {
			break
		}
		b = appendRows(b, len(values))
		for _, v := range values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		return appendPacked(b, columnFloats, packed), nil
	case []string:
		if def.Type != state.TypeString {
			break
		}
		b = appendRows(b, len(values))
		for _, v := range values {
			b = protowire.AppendTag(b, columnStrings, protowire.BytesType)
			b = protowire.AppendString(b, v)
		}
		return b, nil
	case []bool:
		if def.Type != state.TypeBool {
			break
		}
		b = appendRows(b, len(values))
		for _, v := range values {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
		}
		return appendPacked(b, columnBools, packed), nil
	}
	return nil, eris.Wrapf(state.ErrSchemaViolation, "column %q of type %s holds %T", def.Name, def.Type, data)
}

func appendRows(b []byte, rows int) []byte {
	b = protowire.AppendTag(b, columnRows, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(rows)) //nolint:gosec // Lengths are non-negative
}

func appendPacked(b []byte, num protowire.Number, packed []byte) []byte {
	if len(packed) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func encodeGlobal(key string, value any) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, globalKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	switch v := value.(type) {
	case int64:
		b = protowire.AppendTag(b, globalInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	case float64:
		b = protowire.AppendTag(b, globalFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case string:
		b = protowire.AppendTag(b, globalString, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case bool:
		b = protowire.AppendTag(b, globalBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	default:
		return nil, eris.Wrapf(state.ErrSchemaViolation, "global %q has unsupported type %T", key, value)
	}
	return b, nil
}

// fields walks the top level fields of a message and calls fn with each field's number, wire type
// and raw value. For varint and fixed64 fields the value is returned in v, for bytes fields in raw.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return eris.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return eris.Wrapf(protowire.ParseError(n), "bad value for field %d", num)
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func decodeBody(b []byte) (*state.Image, error) {
	img := &state.Image{Globals: make(map[string]any)}
	err := fields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		switch {
		case num == imageTables && typ == protowire.BytesType:
			t, err := decodeTable(raw)
			if err != nil {
				return err
			}
			img.Tables = append(img.Tables, t)
		case num == imageGlobals && typ == protowire.BytesType:
			key, value, err := decodeGlobal(raw)
			if err != nil {
				return err
			}
			img.Globals[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if img.Tables == nil {
		img.Tables = []state.TableImage{}
	}
	return img, nil
}

func decodeTable(b []byte) (state.TableImage, error) {
	t := state.TableImage{Schema: state.Schema{}, Columns: []any{}}
	err := fields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case tableName:
			t.Name = string(raw)
		case tableColumns:
			def, data, err := decodeColumn(raw)
			if err != nil {
				return eris.Wrapf(err, "table %q", t.Name)
			}
			t.Schema = append(t.Schema, def)
			t.Columns = append(t.Columns, data)
		}
		return nil
	})
	return t, err
}

func decodeColumn(b []byte) (state.ColumnDef, any, error) {
	var def state.ColumnDef
	var rows uint64
	var ints []int64
	var floats []float64
	var strs []string
	var bools []bool

	err := fields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case columnName:
			def.Name = string(raw)
		case columnType:
			def.Type = state.ColumnType(v) //nolint:gosec // Validated below
		case columnRows:
			rows = v
		case columnInts:
			return consumePacked(raw, func(b []byte) int {
				x, n := protowire.ConsumeVarint(b)
				ints = append(ints, protowire.DecodeZigZag(x))
				return n
			})
		case columnFloats:
			return consumePacked(raw, func(b []byte) int {
				x, n := protowire.ConsumeFixed64(b)
				floats = append(floats, math.Float64frombits(x))
				return n
			})
		case columnStrings:
			strs = append(strs, string(raw))
		case columnBools:
			return consumePacked(raw, func(b []byte) int {
				x, n := protowire.ConsumeVarint(b)
				bools = append(bools, protowire.DecodeBool(x))
				return n
			})
		}
		return nil
	})
	if err != nil {
		return def, nil, err
	}

	var data any
	var got int
	switch def.Type {
	case state.TypeInt64:
		data, got = nonNil(ints), len(ints)
	case state.TypeFloat64:
		data, got = nonNil(floats), len(floats)
	case state.TypeString:
		data, got = nonNil(strs), len(strs)
	case state.TypeBool:
		data, got = nonNil(bools), len(bools)
	case state.TypeUndefined:
		return def, nil, eris.Errorf("column %q has no type", def.Name)
	default:
		return def, nil, eris.Errorf("column %q has unknown type %d", def.Name, def.Type)
	}
	if uint64(got) != rows {
		return def, nil, eris.Errorf("column %q has %d values, header says %d", def.Name, got, rows)
	}
	return def, data, nil
}

func consumePacked(b []byte, consume func([]byte) int) error {
	for len(b) > 0 {
		n := consume(b)
		if n < 0 {
			return eris.Wrap(protowire.ParseError(n), "bad packed value")
		}
		b = b[n:]
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func decodeGlobal(b []byte) (string, any, error) {
	var key string
	var value any
	err := fields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case globalKey:
			key = string(raw)
		case globalInt:
			value = protowire.DecodeZigZag(v)
		case globalFloat:
			value = math.Float64frombits(v)
		case globalString:
			value = string(raw)
		case globalBool:
			value = protowire.DecodeBool(v)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if value == nil {
		return "", nil, eris.Errorf("global %q has no value", key)
	}
	return key, value, nil
}
