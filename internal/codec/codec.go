// Package codec implements the canonical control-message encoding (spec
// §4.2): a tag-dispatched union of short-keyed maps. Go's encoding/json
// marshals map[string]any keys in sorted order already, which gives the
// canonical "lexicographic sort of string keys" property for free — the
// teacher's own wire types (internal/proto/*.go) lean on encoding/json
// throughout, this package keeps that idiom but swaps the teacher's
// fixed-field structs for an explicit map so unknown fields are tolerated on
// decode and dropped on re-encode, per the round-trip contract.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/alexrudloff/snap2p/internal/protoerr"
)

// Tag identifies a control message's wire type.
type Tag byte

const (
	TagHello          Tag = 0x01
	TagAuth           Tag = 0x02
	TagAuthOK         Tag = 0x03
	TagAuthFail       Tag = 0x04
	TagOpenStream     Tag = 0x10
	TagCloseStream    Tag = 0x11
	TagStreamData     Tag = 0x12
	TagPing           Tag = 0x20
	TagPong           Tag = 0x21
	TagKnock          Tag = 0x30
	TagKnockResponse  Tag = 0x31
	TagError          Tag = 0xFF
)

// Message is implemented by every concrete control message type.
type Message interface {
	Tag() Tag
}

type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityStealth Visibility = "STEALTH"
)

type Hello struct {
	Version       uint32
	NodePublicKey []byte
	Nonce         []byte
	Timestamp     int64
	Visibility    Visibility
	Capabilities  []string
}

func (Hello) Tag() Tag { return TagHello }

type Auth struct {
	Attestation    []byte
	HandshakeData  []byte
}

func (Auth) Tag() Tag { return TagAuth }

type AuthOK struct {
	Principal string
	SessionID []byte
}

func (AuthOK) Tag() Tag { return TagAuthOK }

type AuthFail struct {
	ErrorCode int64
	Reason    string
}

func (AuthFail) Tag() Tag { return TagAuthFail }

type OpenStream struct {
	StreamID uint64
	Label    string
}

func (OpenStream) Tag() Tag { return TagOpenStream }

type CloseStream struct {
	StreamID  uint64
	ErrorCode int64
	HasError  bool
}

func (CloseStream) Tag() Tag { return TagCloseStream }

type StreamData struct {
	StreamID uint64
	Data     []byte
	Fin      bool
}

func (StreamData) Tag() Tag { return TagStreamData }

type Ping struct {
	Sequence  uint64
	Timestamp int64
}

func (Ping) Tag() Tag { return TagPing }

type Pong struct {
	Sequence  uint64
	Timestamp int64
}

func (Pong) Tag() Tag { return TagPong }

type Knock struct {
	InviteToken []byte
}

func (Knock) Tag() Tag { return TagKnock }

type KnockResponse struct {
	Allowed bool
}

func (KnockResponse) Tag() Tag { return TagKnockResponse }

type ErrorMsg struct {
	ErrorCode int64
	Reason    string
}

func (ErrorMsg) Tag() Tag { return TagError }

func invalid(reason string) error {
	return protoerr.New(protoerr.InvalidMessage, reason)
}

// Encode serializes m into its canonical wire form.
func Encode(m Message) ([]byte, error) {
	fields := map[string]any{"t": int64(m.Tag())}
	switch v := m.(type) {
	case Hello:
		fields["v"] = int64(v.Version)
		fields["pk"] = b64(v.NodePublicKey)
		fields["n"] = b64(v.Nonce)
		fields["ts"] = v.Timestamp
		fields["vis"] = string(v.Visibility)
		fields["cap"] = v.Capabilities
	case Auth:
		fields["att"] = b64(v.Attestation)
		fields["hd"] = b64(v.HandshakeData)
	case AuthOK:
		fields["p"] = v.Principal
		fields["sid"] = b64(v.SessionID)
	case AuthFail:
		fields["ec"] = v.ErrorCode
		if v.Reason != "" {
			fields["r"] = v.Reason
		}
	case OpenStream:
		fields["sid"] = v.StreamID
		if v.Label != "" {
			fields["l"] = v.Label
		}
	case CloseStream:
		fields["sid"] = v.StreamID
		if v.HasError {
			fields["ec"] = v.ErrorCode
		}
	case StreamData:
		fields["sid"] = v.StreamID
		fields["d"] = b64(v.Data)
		if v.Fin {
			fields["f"] = true
		}
	case Ping:
		fields["seq"] = v.Sequence
		fields["ts"] = v.Timestamp
	case Pong:
		fields["seq"] = v.Sequence
		fields["ts"] = v.Timestamp
	case Knock:
		fields["it"] = b64(v.InviteToken)
	case KnockResponse:
		fields["a"] = v.Allowed
	case ErrorMsg:
		fields["ec"] = v.ErrorCode
		if v.Reason != "" {
			fields["r"] = v.Reason
		}
	default:
		return nil, invalid(fmt.Sprintf("unknown message type %T", m))
	}
	return EncodeCanonical(fields)
}

// Decode parses data into its concrete Message, dispatched on the "t" tag.
// Unknown fields in data are silently ignored; an unrecognized tag yields a
// VersionUnsupported error.
func Decode(data []byte) (Message, error) {
	fields, err := DecodeCanonical(data)
	if err != nil {
		return nil, invalid(err.Error())
	}
	tagVal, ok := getInt(fields, "t")
	if !ok {
		return nil, invalid("missing type tag")
	}
	switch Tag(tagVal) {
	case TagHello:
		cap, _ := getStringSlice(fields, "cap")
		vis, _ := getString(fields, "vis")
		ts, _ := getInt(fields, "ts")
		ver, _ := getInt(fields, "v")
		pk, _ := getBytes(fields, "pk")
		n, _ := getBytes(fields, "n")
		return Hello{
			Version:       uint32(ver),
			NodePublicKey: pk,
			Nonce:         n,
			Timestamp:     ts,
			Visibility:    Visibility(vis),
			Capabilities:  cap,
		}, nil
	case TagAuth:
		att, _ := getBytes(fields, "att")
		hd, _ := getBytes(fields, "hd")
		return Auth{Attestation: att, HandshakeData: hd}, nil
	case TagAuthOK:
		p, _ := getString(fields, "p")
		sid, _ := getBytes(fields, "sid")
		return AuthOK{Principal: p, SessionID: sid}, nil
	case TagAuthFail:
		ec, _ := getInt(fields, "ec")
		r, _ := getString(fields, "r")
		return AuthFail{ErrorCode: ec, Reason: r}, nil
	case TagOpenStream:
		sid, ok := getUint(fields, "sid")
		if !ok {
			return nil, invalid("missing stream_id")
		}
		l, _ := getString(fields, "l")
		return OpenStream{StreamID: sid, Label: l}, nil
	case TagCloseStream:
		sid, ok := getUint(fields, "sid")
		if !ok {
			return nil, invalid("missing stream_id")
		}
		ec, hasErr := getInt(fields, "ec")
		return CloseStream{StreamID: sid, ErrorCode: ec, HasError: hasErr}, nil
	case TagStreamData:
		sid, ok := getUint(fields, "sid")
		if !ok {
			return nil, invalid("missing stream_id")
		}
		d, _ := getBytes(fields, "d")
		f, _ := getBool(fields, "f")
		return StreamData{StreamID: sid, Data: d, Fin: f}, nil
	case TagPing:
		seq, _ := getUint(fields, "seq")
		ts, _ := getInt(fields, "ts")
		return Ping{Sequence: seq, Timestamp: ts}, nil
	case TagPong:
		seq, _ := getUint(fields, "seq")
		ts, _ := getInt(fields, "ts")
		return Pong{Sequence: seq, Timestamp: ts}, nil
	case TagKnock:
		it, _ := getBytes(fields, "it")
		return Knock{InviteToken: it}, nil
	case TagKnockResponse:
		a, _ := getBool(fields, "a")
		return KnockResponse{Allowed: a}, nil
	case TagError:
		ec, _ := getInt(fields, "ec")
		r, _ := getString(fields, "r")
		return ErrorMsg{ErrorCode: ec, Reason: r}, nil
	default:
		return nil, protoerr.New(protoerr.VersionUnsupported, fmt.Sprintf("unknown message tag 0x%x", tagVal))
	}
}

// EncodeCanonical marshals a field map with deterministic key ordering.
// encoding/json sorts map[string]any keys lexicographically on Marshal,
// which is exactly the canonical ordering spec §4.2 requires.
func EncodeCanonical(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeCanonical parses a field map, preserving integer precision via
// json.Number so round-tripping large u64 values (stream ids, sequences)
// never goes through float64.
func DecodeCanonical(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func getBytes(fields map[string]any, key string) ([]byte, bool) {
	s, ok := getString(fields, key)
	if !ok {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func getString(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getBool(fields map[string]any, key string) (bool, bool) {
	v, ok := fields[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func getInt(fields map[string]any, key string) (int64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

func getUint(fields map[string]any, key string) (uint64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	// json.Number has no Uint64 accessor; round-trip through the decimal
	// string so values above math.MaxInt64 (valid u64 stream ids) survive.
	var n uint64
	if _, err := fmt.Sscanf(num.String(), "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func getStringSlice(fields map[string]any, key string) ([]string, bool) {
	v, ok := fields[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
