// Package rpc 实现宿主进程内的远程控制服务端（Host）与外部控制端（Client）。
//
// 传输层为回环 TCP，每帧为 4 字节大端长度加信封；信封与载荷均使用 protobuf 线格式编码。
// 请求与响应通过信封中的 Key 关联，同一连接上的 Key 单调递增且不为 0。
package rpc

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
)

// MaxFrameSize 单帧信封的最大长度。
const MaxFrameSize = 1 << 20

// Kind 表示信封携带的消息类型。
type Kind uint32

const (
	KindGetLoadedMods     Kind = 1
	KindLoadedMods        Kind = 2
	KindSetModState       Kind = 3
	KindAcknowledgement   Kind = 4
	KindExceptionResponse Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindGetLoadedMods:
		return "get_loaded_mods"
	case KindLoadedMods:
		return "loaded_mods"
	case KindSetModState:
		return "set_mod_state"
	case KindAcknowledgement:
		return "acknowledgement"
	case KindExceptionResponse:
		return "exception_response"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindGetLoadedMods && k <= KindExceptionResponse
}

// Envelope 是一帧的内容。
type Envelope struct {
	Key     uint32
	Kind    Kind
	Payload []byte
}

// Marshal 编码信封。
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Payload))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Key))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// UnmarshalEnvelope 解码信封，类型未知时返回 ErrRemoteProtocol。
//
// 只有 ExceptionResponse 允许 Key 为 0，表示连接级错误，不对应任何请求。
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := parseFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			e.Key = uint32(v)
		case 2:
			e.Kind = Kind(v)
		case 3:
			e.Payload = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return Envelope{}, err
	}
	if !e.Kind.valid() {
		return Envelope{}, protocolError("unknown message kind %d", uint32(e.Kind))
	}
	if e.Key == 0 && e.Kind != KindExceptionResponse {
		return Envelope{}, protocolError("envelope key is zero")
	}
	return e, nil
}

// WriteFrame 写出一帧。
func WriteFrame(w io.Writer, e Envelope) error {
	body := e.Marshal()
	if len(body) > MaxFrameSize {
		return protocolError("frame of %d bytes exceeds limit", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

// ReadFrame 读取一帧。帧边界处的 EOF 原样返回 io.EOF，帧中途截断返回 ErrRemoteProtocol。
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Envelope{}, protocolError("truncated frame header")
		}
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Envelope{}, protocolError("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Envelope{}, protocolError("truncated frame body")
		}
		return Envelope{}, err
	}
	return UnmarshalEnvelope(body)
}

// ModEntry 是 LoadedMods 中的一项。
type ModEntry struct {
	ID         string
	State      module.State
	CanSuspend bool
	CanUnload  bool
	Name       string
	Version    string
}

// EntryFromInfo 由 module.Info 构造 ModEntry。
func EntryFromInfo(info module.Info) ModEntry {
	return ModEntry{
		ID:         info.ID,
		State:      info.State,
		CanSuspend: info.CanSuspend,
		CanUnload:  info.CanUnload,
		Name:       info.Name,
		Version:    info.Version,
	}
}

func (m ModEntry) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.ID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.State))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.CanSuspend))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.CanUnload))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, m.Name)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	return b
}

func unmarshalModEntry(b []byte) (ModEntry, error) {
	var m ModEntry
	err := parseFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			m.ID = string(raw)
		case 2:
			m.State = module.State(v)
		case 3:
			m.CanSuspend = protowire.DecodeBool(v)
		case 4:
			m.CanUnload = protowire.DecodeBool(v)
		case 5:
			m.Name = string(raw)
		case 6:
			m.Version = string(raw)
		}
	})
	if err != nil {
		return ModEntry{}, err
	}
	if m.ID == "" {
		return ModEntry{}, protocolError("mod entry without id")
	}
	return m, nil
}

// MarshalLoadedMods 编码 LoadedMods 载荷。
func MarshalLoadedMods(entries []ModEntry) []byte {
	var b []byte
	for _, e := range entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshal())
	}
	return b
}

// UnmarshalLoadedMods 解码 LoadedMods 载荷。
func UnmarshalLoadedMods(b []byte) ([]ModEntry, error) {
	var (
		raws [][]byte
		out  []ModEntry
	)
	err := parseFields(b, func(num protowire.Number, _ uint64, raw []byte) {
		if num == 1 {
			raws = append(raws, raw)
		}
	})
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		e, err := unmarshalModEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SetModStateRequest 是 SetModState 载荷。
type SetModStateRequest struct {
	ModID  string
	Action module.Action
}

// Marshal 编码请求。
func (r SetModStateRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.ModID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Action))
	return b
}

// UnmarshalSetModState 解码 SetModState 载荷。
func UnmarshalSetModState(b []byte) (SetModStateRequest, error) {
	var r SetModStateRequest
	err := parseFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			r.ModID = string(raw)
		case 2:
			r.Action = module.Action(v)
		}
	})
	if err != nil {
		return SetModStateRequest{}, err
	}
	if r.ModID == "" {
		return SetModStateRequest{}, protocolError("set mod state without mod id")
	}
	if r.Action < module.ActionLoad || r.Action > module.ActionUnload {
		return SetModStateRequest{}, protocolError("unknown action %d", int(r.Action))
	}
	return r, nil
}

// Exception 是 ExceptionResponse 载荷。
type Exception struct {
	Code    string
	Message string
}

// Marshal 编码异常。
func (e Exception) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, e.Code)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	return b
}

// UnmarshalException 解码 ExceptionResponse 载荷。
func UnmarshalException(b []byte) (Exception, error) {
	var e Exception
	err := parseFields(b, func(num protowire.Number, _ uint64, raw []byte) {
		switch num {
		case 1:
			e.Code = string(raw)
		case 2:
			e.Message = string(raw)
		}
	})
	return e, err
}

// parseFields 遍历顶层字段，varint 字段传 v，bytes 字段传 raw，其余类型跳过。
func parseFields(b []byte, visit func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protocolError("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protocolError("field %d: %v", num, protowire.ParseError(n))
			}
			visit(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protocolError("field %d: %v", num, protowire.ParseError(n))
			}
			visit(num, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protocolError("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func protocolError(format string, args ...any) error {
	return errors.Wrapf(moderr.ErrRemoteProtocol, format, args...)
}
