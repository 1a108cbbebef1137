package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// envelopeTypeField carries the optional payload-tag hint.
const envelopeTypeField protowire.Number = 1

// Encode serializes p as an envelope: the type hint followed by the single
// payload field.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode: nil payload")
	}
	body, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(body)+8)
	buf = protowire.AppendTag(buf, envelopeTypeField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.Tag()))
	buf = protowire.AppendTag(buf, protowire.Number(p.Tag()), protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)
	return buf, nil
}

// Decode parses an envelope and returns its only payload. Envelopes with no
// payload, more than one payload, or malformed fields are protocol violations.
func Decode(data []byte) (Payload, error) {
	var (
		hint   Tag
		fields = make(map[Tag][]byte, 1)
		count  int
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == envelopeTypeField {
			v, n, err := consumeVarint(typ, b)
			hint = Tag(v)
			return n, err
		}
		tag := Tag(num)
		if _, known := tagNames[tag]; !known {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		fields[tag] = v
		count++
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: envelope carries %d payloads", ErrProtocolViolation, count)
	}

	tag, ok := selectPayload(hint, fields)
	if !ok {
		return nil, fmt.Errorf("%w: no payload found", ErrProtocolViolation)
	}
	p, err := decodePayload(tag, fields[tag])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, tag, err)
	}
	return p, nil
}

// selectPayload uses the hint as a fast path and falls back to probing.
func selectPayload(hint Tag, fields map[Tag][]byte) (Tag, bool) {
	if _, ok := fields[hint]; ok {
		return hint, true
	}
	for _, t := range inspectOrder {
		if _, ok := fields[t]; ok {
			return t, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Payload encoders
// ---------------------------------------------------------------------------

func encodePayload(p Payload) ([]byte, error) {
	var b []byte
	switch m := p.(type) {
	case *MavlinkMsg:
		b = appendVarint(b, 1, uint64(m.SrcInterface))
		if m.HasDeltaT {
			b = appendVarint(b, 2, m.DeltaT)
		}
		for _, pkt := range m.Packets {
			b = appendBytes(b, 3, pkt)
		}
	case *LoginMsg:
		b = appendVarint(b, 1, uint64(int64(m.Code)))
		b = appendString(b, 2, m.Username)
		b = appendOptString(b, 3, m.Password)
		b = appendOptString(b, 4, m.Email)
		if m.StartTime != 0 {
			b = appendVarint(b, 5, m.StartTime)
		}
		b = appendOptString(b, 6, m.APIKey)
		if m.ProtocolVersion != 0 {
			b = appendVarint(b, 7, uint64(m.ProtocolVersion))
		}
	case *SenderIDMsg:
		b = appendVarint(b, 1, uint64(m.GCSInterface))
		b = appendVarint(b, 2, uint64(m.SysID))
		b = appendString(b, 3, m.VehicleUUID)
		b = appendVarint(b, 4, protowire.EncodeBool(m.CanAcceptCommands))
		if m.WantPipe {
			b = appendVarint(b, 5, protowire.EncodeBool(true))
		}
	case *NoteMsg:
		b = appendString(b, 1, m.Note)
	case *StartMissionMsg:
		b = appendVarint(b, 1, protowire.EncodeBool(m.Keep))
		if m.ViewPrivacy != PrivacyDefault {
			b = appendVarint(b, 2, uint64(int64(m.ViewPrivacy)))
		}
		if m.ControlPrivacy != PrivacyDefault {
			b = appendVarint(b, 3, uint64(int64(m.ControlPrivacy)))
		}
		b = appendOptString(b, 4, m.MissionUUID)
		b = appendOptString(b, 5, m.Notes)
	case *StopMissionMsg:
		b = appendVarint(b, 1, protowire.EncodeBool(m.Keep))
	case *PingMsg:
		b = appendVarint(b, 1, uint64(m.Nonce))
	case *PingResponseMsg:
		b = appendVarint(b, 1, uint64(m.Nonce))
	case *LoginResponseMsg:
		b = appendVarint(b, 1, uint64(int64(m.Code)))
		b = appendOptString(b, 2, m.Message)
	case *ShowMsg:
		b = encodeShow(b, m)
	case *MissionResponse:
		if m.Message != nil {
			b = appendBytes(b, 1, encodeShow(nil, m.Message))
		}
	default:
		return nil, fmt.Errorf("encode: unsupported payload %T", p)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func encodeShow(b []byte, m *ShowMsg) []byte {
	b = appendVarint(b, 1, uint64(int64(m.Priority)))
	b = appendOptString(b, 2, m.Text)
	b = appendOptString(b, 3, m.URL)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendOptString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	return appendString(b, num, v)
}

// ---------------------------------------------------------------------------
// Payload decoders
// ---------------------------------------------------------------------------

func decodePayload(tag Tag, b []byte) (Payload, error) {
	switch tag {
	case TagMavlink:
		m := &MavlinkMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return varintInto(typ, b, func(v uint64) { m.SrcInterface = uint32(v) })
			case 2:
				return varintInto(typ, b, func(v uint64) { m.DeltaT, m.HasDeltaT = v, true })
			case 3:
				v, n, err := consumeBytes(typ, b)
				if err == nil {
					m.Packets = append(m.Packets, append([]byte(nil), v...))
				}
				return n, err
			}
			return 0, nil
		})

	case TagLogin:
		m := &LoginMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return varintInto(typ, b, func(v uint64) { m.Code = LoginRequestCode(int32(v)) })
			case 2:
				return stringInto(typ, b, &m.Username)
			case 3:
				return stringInto(typ, b, &m.Password)
			case 4:
				return stringInto(typ, b, &m.Email)
			case 5:
				return varintInto(typ, b, func(v uint64) { m.StartTime = v })
			case 6:
				return stringInto(typ, b, &m.APIKey)
			case 7:
				return varintInto(typ, b, func(v uint64) { m.ProtocolVersion = uint32(v) })
			}
			return 0, nil
		})

	case TagSenderID:
		m := &SenderIDMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return varintInto(typ, b, func(v uint64) { m.GCSInterface = uint32(v) })
			case 2:
				return varintInto(typ, b, func(v uint64) { m.SysID = uint32(v) })
			case 3:
				return stringInto(typ, b, &m.VehicleUUID)
			case 4:
				return varintInto(typ, b, func(v uint64) { m.CanAcceptCommands = protowire.DecodeBool(v) })
			case 5:
				return varintInto(typ, b, func(v uint64) { m.WantPipe = protowire.DecodeBool(v) })
			}
			return 0, nil
		})

	case TagNote:
		m := &NoteMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return stringInto(typ, b, &m.Note)
			}
			return 0, nil
		})

	case TagStartMission:
		m := &StartMissionMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return varintInto(typ, b, func(v uint64) { m.Keep = protowire.DecodeBool(v) })
			case 2:
				return varintInto(typ, b, func(v uint64) { m.ViewPrivacy = Privacy(int32(v)) })
			case 3:
				return varintInto(typ, b, func(v uint64) { m.ControlPrivacy = Privacy(int32(v)) })
			case 4:
				return stringInto(typ, b, &m.MissionUUID)
			case 5:
				return stringInto(typ, b, &m.Notes)
			}
			return 0, nil
		})

	case TagStopMission:
		m := &StopMissionMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return varintInto(typ, b, func(v uint64) { m.Keep = protowire.DecodeBool(v) })
			}
			return 0, nil
		})

	case TagPing:
		m := &PingMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return varintInto(typ, b, func(v uint64) { m.Nonce = uint32(v) })
			}
			return 0, nil
		})

	case TagPingResponse:
		m := &PingResponseMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return varintInto(typ, b, func(v uint64) { m.Nonce = uint32(v) })
			}
			return 0, nil
		})

	case TagLoginResponse:
		m := &LoginResponseMsg{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return varintInto(typ, b, func(v uint64) { m.Code = AccessCode(int32(v)) })
			case 2:
				return stringInto(typ, b, &m.Message)
			}
			return 0, nil
		})

	case TagShow:
		m := &ShowMsg{}
		return m, decodeShow(b, m)

	case TagMissionResponse:
		m := &MissionResponse{}
		return m, walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Message = &ShowMsg{}
			return n, decodeShow(v, m.Message)
		})
	}
	return nil, fmt.Errorf("unknown payload tag %d", tag)
}

func decodeShow(b []byte, m *ShowMsg) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return varintInto(typ, b, func(v uint64) { m.Priority = Priority(int32(v)) })
		case 2:
			return stringInto(typ, b, &m.Text)
		case 3:
			return stringInto(typ, b, &m.URL)
		}
		return 0, nil
	})
}

// ---------------------------------------------------------------------------
// Wire helpers
// ---------------------------------------------------------------------------

// fieldFunc consumes the value of one field and returns the bytes it used.
// Returning 0 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func varintInto(typ protowire.Type, b []byte, set func(uint64)) (int, error) {
	v, n, err := consumeVarint(typ, b)
	if err != nil {
		return 0, err
	}
	set(v)
	return n, nil
}

func stringInto(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}
