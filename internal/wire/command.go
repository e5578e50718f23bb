package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Token names one configuration field addressable by a command.
type Token uint16

const (
	TokenSensorInterval   Token = 1
	TokenRetryInterval    Token = 2
	TokenMaxFailures      Token = 3
	TokenCollectorAddress Token = 4
	TokenTempOffset       Token = 5
	TokenCalibration      Token = 6
)

var tokenNames = map[Token]string{
	TokenSensorInterval:   "sensor_interval",
	TokenRetryInterval:    "retry_interval",
	TokenMaxFailures:      "max_failures",
	TokenCollectorAddress: "collector_address",
	TokenTempOffset:       "temp_offset",
	TokenCalibration:      "calibration",
}

func (t Token) String() string {
	if n, ok := tokenNames[t]; ok {
		return n
	}
	return fmt.Sprintf("token(%d)", uint16(t))
}

// ParseToken resolves a token from its printable name.
func ParseToken(name string) (Token, bool) {
	for t, n := range tokenNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Op is the command operation.
type Op uint8

const (
	OpGet Op = 1
	OpSet Op = 2
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// MaxValueLen is the capacity of the value field of command messages.
const MaxValueLen = 32

// CommandRequest asks a node to read or write one configuration token.
type CommandRequest struct {
	Magic  uint32
	Token  Token
	Op     Op
	Kind   Kind
	Length uint16
	_      uint16
	Data   [MaxValueLen]byte
}

// CommandResponse echoes the token of a request together with the value
// the node holds after serving it.
type CommandResponse struct {
	Magic  uint32
	Token  Token
	Valid  uint8
	Kind   Kind
	Length uint16
	_      uint16
	Data   [MaxValueLen]byte
}

func (r CommandRequest) RecordMagic() uint32  { return MagicCommandRequest }
func (r CommandRequest) Sequence() uint32     { return 0 }
func (r CommandResponse) RecordMagic() uint32 { return MagicCommandResponse }
func (r CommandResponse) Sequence() uint32    { return 0 }

// NewGetRequest builds a request reading token.
func NewGetRequest(token Token) CommandRequest {
	return CommandRequest{Magic: MagicCommandRequest, Token: token, Op: OpGet}
}

// NewSetRequest builds a request writing v to token.
func NewSetRequest(token Token, v Value) (CommandRequest, error) {
	req := CommandRequest{Magic: MagicCommandRequest, Token: token, Op: OpSet, Kind: v.Kind()}
	n, err := v.put(req.Data[:])
	if err != nil {
		return req, err
	}
	req.Length = uint16(n)
	return req, nil
}

// Value decodes the value carried by the request.
func (r CommandRequest) Value() (Value, error) {
	return decodeValue(r.Kind, r.Length, r.Data[:])
}

// NewResponse builds a response for token. An invalid value is reported
// with a zero-length payload.
func NewResponse(token Token, valid bool, v Value) CommandResponse {
	resp := CommandResponse{Magic: MagicCommandResponse, Token: token}
	if valid {
		resp.Valid = 1
	}
	if n, err := v.put(resp.Data[:]); err == nil {
		resp.Kind = v.Kind()
		resp.Length = uint16(n)
	}
	return resp
}

// IsValid reports the validity flag of the response.
func (r CommandResponse) IsValid() bool { return r.Valid != 0 }

// Value decodes the value carried by the response.
func (r CommandResponse) Value() (Value, error) {
	return decodeValue(r.Kind, r.Length, r.Data[:])
}

func DecodeCommandRequest(b []byte) (CommandRequest, error) {
	return decode[CommandRequest](b, MagicCommandRequest)
}

func DecodeCommandResponse(b []byte) (CommandResponse, error) {
	return decode[CommandResponse](b, MagicCommandResponse)
}

// Kind tags the member of a Value that is populated.
type Kind uint8

const (
	KindNone    Kind = 0
	KindUint    Kind = 1
	KindInt     Kind = 2
	KindAddress Kind = 3
	KindBytes   Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindAddress:
		return "address"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var ErrValue = errors.New("wire: malformed value")

// Value is a kind-tagged configuration value.
type Value struct {
	kind Kind
	u    uint64
	i    int64
	addr netip.Addr
	raw  []byte
}

func UintValue(v uint64) Value        { return Value{kind: KindUint, u: v} }
func IntValue(v int64) Value          { return Value{kind: KindInt, i: v} }
func AddressValue(a netip.Addr) Value { return Value{kind: KindAddress, addr: a} }

// BytesValue copies b into a value.
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte(nil), b...)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Uint() (uint64, bool) { return v.u, v.kind == KindUint }
func (v Value) Int() (int64, bool)   { return v.i, v.kind == KindInt }

func (v Value) Address() (netip.Addr, bool) { return v.addr, v.kind == KindAddress }

func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

// Equal reports whether v and o hold the same kind and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUint:
		return v.u == o.u
	case KindInt:
		return v.i == o.i
	case KindAddress:
		return v.addr == o.addr
	case KindBytes:
		return string(v.raw) == string(o.raw)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindUint:
		return fmt.Sprintf("%d", v.u)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindAddress:
		return v.addr.String()
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	}
	return "<none>"
}

func (v Value) put(dst []byte) (int, error) {
	switch v.kind {
	case KindNone:
		return 0, nil
	case KindUint:
		binary.LittleEndian.PutUint64(dst, v.u)
		return 8, nil
	case KindInt:
		binary.LittleEndian.PutUint64(dst, uint64(v.i))
		return 8, nil
	case KindAddress:
		if !v.addr.IsValid() {
			return 0, fmt.Errorf("%w: invalid address", ErrValue)
		}
		a := v.addr.As16()
		return copy(dst, a[:]), nil
	case KindBytes:
		if len(v.raw) > len(dst) {
			return 0, fmt.Errorf("%w: %d bytes exceeds %d", ErrValue, len(v.raw), len(dst))
		}
		return copy(dst, v.raw), nil
	}
	return 0, fmt.Errorf("%w: unknown kind %d", ErrValue, v.kind)
}

func decodeValue(kind Kind, length uint16, data []byte) (Value, error) {
	n := int(length)
	if n > len(data) {
		return Value{}, fmt.Errorf("%w: length %d", ErrValue, n)
	}
	switch kind {
	case KindNone:
		return Value{}, nil
	case KindUint:
		if n != 8 {
			return Value{}, fmt.Errorf("%w: uint needs 8 bytes, got %d", ErrValue, n)
		}
		return UintValue(binary.LittleEndian.Uint64(data)), nil
	case KindInt:
		if n != 8 {
			return Value{}, fmt.Errorf("%w: int needs 8 bytes, got %d", ErrValue, n)
		}
		return IntValue(int64(binary.LittleEndian.Uint64(data))), nil
	case KindAddress:
		if n != 16 {
			return Value{}, fmt.Errorf("%w: address needs 16 bytes, got %d", ErrValue, n)
		}
		var a [16]byte
		copy(a[:], data)
		return AddressValue(netip.AddrFrom16(a).Unmap()), nil
	case KindBytes:
		return BytesValue(data[:n]), nil
	}
	return Value{}, fmt.Errorf("%w: unknown kind %d", ErrValue, kind)
}
