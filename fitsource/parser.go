package fitsource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tormoder/fit/dyncrc16"
)

const (
	compressedHeaderMask       = 0x80
	compressedLocalMesgNumMask = 0x60
	compressedTimeMask         = 0x1F
	mesgDefinitionMask         = 0x40
	devDataMask                = 0x20
	localMesgNumMask           = 0x0F

	headerSizeNoCRC = 12
	headerSizeCRC   = 14

	fieldDescriptionMesg = 206
	timestampField       = 253
)

var (
	// ErrNotFIT is returned when the header does not describe a FIT stream.
	ErrNotFIT = errors.New("not a fit stream")
	// ErrTruncated is returned when the stream ends inside a record or before the CRC.
	ErrTruncated = errors.New("fit stream truncated")
)

type baseType uint8

const (
	baseEnum    baseType = 0x00
	baseSint8   baseType = 0x01
	baseUint8   baseType = 0x02
	baseSint16  baseType = 0x83
	baseUint16  baseType = 0x84
	baseSint32  baseType = 0x85
	baseUint32  baseType = 0x86
	baseString  baseType = 0x07
	baseFloat32 baseType = 0x88
	baseFloat64 baseType = 0x89
	baseUint8z  baseType = 0x0A
	baseUint16z baseType = 0x8B
	baseUint32z baseType = 0x8C
	baseByte    baseType = 0x0D
	baseSint64  baseType = 0x8E
	baseUint64  baseType = 0x8F
	baseUint64z baseType = 0x90
)

var baseSizes = map[baseType]int{
	baseEnum: 1, baseSint8: 1, baseUint8: 1, baseString: 1, baseUint8z: 1, baseByte: 1,
	baseSint16: 2, baseUint16: 2, baseUint16z: 2,
	baseSint32: 4, baseUint32: 4, baseUint32z: 4, baseFloat32: 4,
	baseSint64: 8, baseUint64: 8, baseUint64z: 8, baseFloat64: 8,
}

type fieldDef struct {
	number uint8
	size   uint8
	base   baseType
}

type devFieldDef struct {
	number   uint8
	size     uint8
	devIndex uint8
}

type localDef struct {
	global    uint16
	arch      binary.ByteOrder
	fields    []fieldDef
	devFields []devFieldDef
}

type devDescKey struct {
	devIndex uint8
	number   uint8
}

type devDescription struct {
	name  string
	units string
	base  baseType
}

type decoder struct {
	data           []byte
	definitions    map[uint8]localDef
	descriptions   map[devDescKey]devDescription
	lastTimestamp  uint32
	lastTimeOffset int32
	definitionsN   int
	messagesN      int
	emit           func(Message) error
}

type frame struct {
	header    Header
	headerCRC CRCCheck
	fileCRC   CRCCheck
	body      []byte
	leftover  int64
}

func readFrame(data []byte) (frame, error) {
	if len(data) < headerSizeNoCRC+2 {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	size := data[0]
	if size != headerSizeNoCRC && size != headerSizeCRC {
		return frame{}, fmt.Errorf("%w: invalid header size %d", ErrNotFIT, size)
	}
	h := Header{
		Size:            size,
		ProtocolVersion: data[1],
		ProfileVersion:  binary.LittleEndian.Uint16(data[2:4]),
		DataSize:        binary.LittleEndian.Uint32(data[4:8]),
		DataType:        string(data[8:12]),
	}
	if h.DataType != ".FIT" {
		return frame{}, fmt.Errorf("%w: data type %q", ErrNotFIT, h.DataType)
	}

	headerCRC := CRCCheck{Present: size == headerSizeCRC, Valid: true}
	if size == headerSizeCRC {
		stored := binary.LittleEndian.Uint16(data[12:14])
		headerCRC.Stored = stored
		if stored != 0 {
			headerCRC.Computed = dyncrc16.Checksum(data[:12])
			headerCRC.Valid = stored == headerCRC.Computed
		}
	}

	start := int(size)
	end := start + int(h.DataSize)
	if len(data) < end+2 {
		return frame{}, fmt.Errorf("%w: have %d bytes, need at least %d", ErrTruncated, len(data), end+2)
	}
	stored := binary.LittleEndian.Uint16(data[end : end+2])
	computed := dyncrc16.Checksum(data[:end])
	return frame{
		header:    h,
		headerCRC: headerCRC,
		fileCRC:   CRCCheck{Present: true, Stored: stored, Computed: computed, Valid: stored == computed},
		body:      data[start:end],
		leftover:  int64(len(data) - end - 2),
	}, nil
}

func newDecoder(body []byte, emit func(Message) error) *decoder {
	return &decoder{
		data:         body,
		definitions:  make(map[uint8]localDef),
		descriptions: make(map[devDescKey]devDescription),
		emit:         emit,
	}
}

func (d *decoder) run() error {
	pos := 0
	for pos < len(d.data) {
		start := pos
		headerByte := d.data[pos]
		pos++

		var err error
		switch {
		case headerByte&compressedHeaderMask == compressedHeaderMask:
			local := (headerByte & compressedLocalMesgNumMask) >> 5
			def, ok := d.definitions[local]
			if !ok {
				return fmt.Errorf("missing definition for compressed data message local=%d at byte %d", local, start)
			}
			pos, err = d.dataRecord(pos, headerByte, def, true)
		case headerByte&mesgDefinitionMask == mesgDefinitionMask:
			pos, err = d.definitionRecord(pos, headerByte)
		default:
			local := headerByte & localMesgNumMask
			def, ok := d.definitions[local]
			if !ok {
				return fmt.Errorf("missing definition for data message local=%d at byte %d", local, start)
			}
			pos, err = d.dataRecord(pos, headerByte, def, false)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) read(pos, n int) ([]byte, int, error) {
	if pos+n > len(d.data) {
		return nil, pos, fmt.Errorf("%w: record at byte %d", ErrTruncated, pos)
	}
	return d.data[pos : pos+n], pos + n, nil
}

func (d *decoder) definitionRecord(pos int, headerByte uint8) (int, error) {
	fixed, pos, err := d.read(pos, 5)
	if err != nil {
		return pos, err
	}
	var arch binary.ByteOrder
	switch fixed[1] {
	case 0:
		arch = binary.LittleEndian
	case 1:
		arch = binary.BigEndian
	default:
		return pos, fmt.Errorf("invalid architecture byte %d", fixed[1])
	}
	def := localDef{
		global: arch.Uint16(fixed[2:4]),
		arch:   arch,
	}
	numFields := int(fixed[4])
	def.fields = make([]fieldDef, 0, numFields)
	for i := 0; i < numFields; i++ {
		var raw []byte
		raw, pos, err = d.read(pos, 3)
		if err != nil {
			return pos, err
		}
		def.fields = append(def.fields, fieldDef{number: raw[0], size: raw[1], base: decompressBaseType(raw[2])})
	}

	if headerByte&devDataMask == devDataMask {
		var countRaw []byte
		countRaw, pos, err = d.read(pos, 1)
		if err != nil {
			return pos, err
		}
		devCount := int(countRaw[0])
		def.devFields = make([]devFieldDef, 0, devCount)
		for i := 0; i < devCount; i++ {
			var raw []byte
			raw, pos, err = d.read(pos, 3)
			if err != nil {
				return pos, err
			}
			def.devFields = append(def.devFields, devFieldDef{number: raw[0], size: raw[1], devIndex: raw[2]})
		}
	}

	d.definitions[headerByte&localMesgNumMask] = def
	d.definitionsN++
	return pos, nil
}

func (d *decoder) dataRecord(pos int, headerByte uint8, def localDef, compressed bool) (int, error) {
	msg := Message{
		Type:   MessageName(def.global),
		Global: def.global,
		Index:  d.messagesN,
		Fields: make([]Field, 0, len(def.fields)+len(def.devFields)+1),
	}

	if compressed && d.lastTimestamp != 0 {
		offset := int32(headerByte & compressedTimeMask)
		d.lastTimestamp += uint32((offset - d.lastTimeOffset) & compressedTimeMask)
		d.lastTimeOffset = offset
		msg.Fields = append(msg.Fields, Field{
			Number: timestampField,
			Name:   "timestamp",
			Value:  FITTime(d.lastTimestamp),
		})
	}

	for _, fd := range def.fields {
		var (
			raw []byte
			err error
		)
		raw, pos, err = d.read(pos, int(fd.size))
		if err != nil {
			return pos, err
		}
		decoded, invalid := decodeField(raw, fd.base, def.arch)
		if fd.number == timestampField {
			if ts, ok := asTimestampRaw(decoded); ok {
				d.lastTimestamp = ts
				d.lastTimeOffset = int32(ts & compressedTimeMask)
			}
		}
		msg.Fields = append(msg.Fields, d.profileField(def.global, fd.number, decoded, invalid))
	}

	for _, dd := range def.devFields {
		var (
			raw []byte
			err error
		)
		raw, pos, err = d.read(pos, int(dd.size))
		if err != nil {
			return pos, err
		}
		msg.Fields = append(msg.Fields, d.developerField(dd, raw, def.arch))
	}

	if def.global == fieldDescriptionMesg {
		d.registerDescription(msg)
	}
	d.messagesN++
	if d.emit != nil {
		if err := d.emit(msg); err != nil {
			return pos, err
		}
	}
	return pos, nil
}

func (d *decoder) profileField(global uint16, number uint8, decoded any, invalid bool) Field {
	f := Field{Number: number, Value: decoded, Invalid: invalid}
	p, ok := profileForField(global, number)
	if !ok {
		return f
	}
	f.Name = p.name
	f.Units = p.units
	if invalid || p.scaler == nil {
		return f
	}
	if scaled, ok := p.scaler(decoded); ok {
		f.Value = scaled
	}
	return f
}

func (d *decoder) developerField(dd devFieldDef, raw []byte, arch binary.ByteOrder) Field {
	f := Field{Number: dd.number, Developer: true}
	desc, ok := d.descriptions[devDescKey{devIndex: dd.devIndex, number: dd.number}]
	if !ok {
		f.Name = fmt.Sprintf("developer_field_%d", dd.number)
		f.Value = bytesToInts(raw)
		return f
	}
	f.Name = desc.name
	f.Units = desc.units
	f.Value, f.Invalid = decodeField(raw, desc.base, arch)
	return f
}

func (d *decoder) registerDescription(msg Message) {
	idx, ok1 := msg.FieldByNumber(0)
	num, ok2 := msg.FieldByNumber(1)
	base, ok3 := msg.FieldByNumber(2)
	if !ok1 || !ok2 || !ok3 || idx.Invalid || num.Invalid {
		return
	}
	di, _ := idx.Value.(uint8)
	fn, _ := num.Value.(uint8)
	bt, _ := base.Value.(uint8)
	desc := devDescription{base: decompressBaseType(bt)}
	if name, ok := msg.FieldByNumber(3); ok {
		if s, ok := name.Value.(string); ok {
			desc.name = sanitizeName(s)
		}
	}
	if desc.name == "" {
		desc.name = fmt.Sprintf("developer_field_%d", fn)
	}
	if units, ok := msg.FieldByNumber(8); ok {
		if s, ok := units.Value.(string); ok {
			desc.units = s
		}
	}
	d.descriptions[devDescKey{devIndex: di, number: fn}] = desc
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func decodeField(raw []byte, bt baseType, arch binary.ByteOrder) (any, bool) {
	size, ok := baseSizes[bt]
	if !ok {
		return bytesToInts(raw), false
	}
	switch bt {
	case baseString:
		s := decodeNullTerminatedString(raw)
		return s, len(s) == 0
	case baseByte:
		return bytesToInts(raw), allBytes(raw, 0xFF)
	}
	if len(raw)%size != 0 {
		return bytesToInts(raw), true
	}

	count := len(raw) / size
	if count == 1 {
		return decodeSingleValue(raw, bt, arch)
	}
	values := make([]any, 0, count)
	invalidCount := 0
	for i := 0; i < count; i++ {
		v, invalid := decodeSingleValue(raw[i*size:(i+1)*size], bt, arch)
		values = append(values, v)
		if invalid {
			invalidCount++
		}
	}
	return values, invalidCount == count
}

func decodeSingleValue(raw []byte, bt baseType, arch binary.ByteOrder) (any, bool) {
	switch bt {
	case baseEnum, baseUint8:
		v := raw[0]
		return v, v == 0xFF
	case baseSint8:
		v := int8(raw[0])
		return v, v == int8(0x7F)
	case baseSint16:
		v := int16(arch.Uint16(raw))
		return v, v == int16(0x7FFF)
	case baseUint16:
		v := arch.Uint16(raw)
		return v, v == 0xFFFF
	case baseSint32:
		v := int32(arch.Uint32(raw))
		return v, v == int32(0x7FFFFFFF)
	case baseUint32:
		v := arch.Uint32(raw)
		return v, v == 0xFFFFFFFF
	case baseFloat32:
		bits := arch.Uint32(raw)
		return float64(math.Float32frombits(bits)), bits == 0xFFFFFFFF
	case baseFloat64:
		bits := arch.Uint64(raw)
		return math.Float64frombits(bits), bits == 0xFFFFFFFFFFFFFFFF
	case baseUint8z:
		v := raw[0]
		return v, v == 0x00
	case baseUint16z:
		v := arch.Uint16(raw)
		return v, v == 0x0000
	case baseUint32z:
		v := arch.Uint32(raw)
		return v, v == 0
	case baseSint64:
		v := int64(arch.Uint64(raw))
		return v, v == int64(0x7FFFFFFFFFFFFFFF)
	case baseUint64:
		v := arch.Uint64(raw)
		return v, v == 0xFFFFFFFFFFFFFFFF
	case baseUint64z:
		v := arch.Uint64(raw)
		return v, v == 0
	default:
		return bytesToInts(raw), false
	}
}

func asTimestampRaw(v any) (uint32, bool) {
	switch x := v.(type) {
	case uint32:
		if x == 0xFFFFFFFF {
			return 0, false
		}
		return x, true
	case []any:
		if len(x) > 0 {
			if y, ok := x[0].(uint32); ok && y != 0xFFFFFFFF {
				return y, true
			}
		}
	}
	return 0, false
}

func decodeNullTerminatedString(raw []byte) string {
	for i := 0; i < len(raw); i++ {
		if raw[i] == 0x00 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

func allBytes(raw []byte, value byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		if b != value {
			return false
		}
	}
	return true
}

func decompressBaseType(b byte) baseType {
	switch b & 0x1F {
	case 0x03:
		return baseSint16
	case 0x04:
		return baseUint16
	case 0x05:
		return baseSint32
	case 0x06:
		return baseUint32
	case 0x08:
		return baseFloat32
	case 0x09:
		return baseFloat64
	case 0x0B:
		return baseUint16z
	case 0x0C:
		return baseUint32z
	case 0x0E:
		return baseSint64
	case 0x0F:
		return baseUint64
	case 0x10:
		return baseUint64z
	default:
		return baseType(b & 0x1F)
	}
}

func bytesToInts(raw []byte) []int {
	out := make([]int, len(raw))
	for i := range raw {
		out[i] = int(raw[i])
	}
	return out
}
