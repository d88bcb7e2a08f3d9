package engineio

import (
	"encoding/base64"
	"strconv"
	"strings"
	"unicode/utf8"
)

// PacketType identifies an engine.io packet on the wire.
type PacketType uint8

const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketMessage
	PacketUpgrade
	PacketNoop

	// packetParseError is a synthetic type produced by the decoder for
	// malformed input. Sessions treat it as fatal.
	packetParseError
)

func (p PacketType) String() string {
	switch p {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return "error"
	}
}

func (p PacketType) wireByte() byte { return byte(p) + '0' }

// Packet is a single unit of the wire protocol. Data holds UTF-8 text unless
// Binary is set, in which case it is an opaque byte sequence.
type Packet struct {
	Type   PacketType
	Data   []byte
	Binary bool

	// Compress hints the websocket transport that per-message compression
	// may be applied to this packet.
	Compress bool
}

// encodePacket serializes a single packet. With supportsBinary, binary
// packets keep their raw bytes behind one leading type byte and the returned
// binary flag is true; otherwise binary data travels as "b<type><base64>".
func encodePacket(p *Packet, supportsBinary bool) (data []byte, binary bool) {
	if p.Binary {
		if supportsBinary {
			out := make([]byte, len(p.Data)+1)
			out[0] = byte(p.Type)
			copy(out[1:], p.Data)
			return out, true
		}
		out := make([]byte, 0, 2+base64.StdEncoding.EncodedLen(len(p.Data)))
		out = append(out, 'b', p.Type.wireByte())
		out = append(out, base64.StdEncoding.EncodeToString(p.Data)...)
		return out, false
	}
	out := make([]byte, 0, len(p.Data)+1)
	out = append(out, p.Type.wireByte())
	out = append(out, p.Data...)
	return out, false
}

// decodePacket parses a single packet. Malformed input yields a packet of
// the parse-error type, never an error value; the caller decides how fatal
// that is.
func decodePacket(data []byte, binary bool) *Packet {
	if binary {
		if len(data) < 1 || data[0] > byte(PacketNoop) {
			return &Packet{Type: packetParseError}
		}
		return &Packet{Type: PacketType(data[0]), Data: data[1:], Binary: true}
	}
	if len(data) < 1 {
		return &Packet{Type: packetParseError}
	}
	if data[0] == 'b' {
		if len(data) < 2 || data[1] < '0' || data[1] > PacketNoop.wireByte() {
			return &Packet{Type: packetParseError}
		}
		raw, err := base64.StdEncoding.DecodeString(string(data[2:]))
		if err != nil {
			return &Packet{Type: packetParseError}
		}
		return &Packet{Type: PacketType(data[1] - '0'), Data: raw, Binary: true}
	}
	if data[0] < '0' || data[0] > PacketNoop.wireByte() {
		return &Packet{Type: packetParseError}
	}
	return &Packet{Type: PacketType(data[0] - '0'), Data: data[1:]}
}

// encodePayload concatenates packets into one polling response body using
// "<length>:<packet>" framing, where length counts characters, not bytes.
func encodePayload(packets []*Packet) []byte {
	var b strings.Builder
	for _, p := range packets {
		enc, _ := encodePacket(p, false)
		b.WriteString(strconv.Itoa(utf8.RuneCount(enc)))
		b.WriteByte(':')
		b.Write(enc)
	}
	return []byte(b.String())
}

// decodePayload splits a polling request body into packets. Any framing
// violation yields a single parse-error packet.
func decodePayload(data []byte) []*Packet {
	var packets []*Packet
	s := string(data)
	for len(s) > 0 {
		colon := strings.IndexByte(s, ':')
		if colon <= 0 {
			return []*Packet{{Type: packetParseError}}
		}
		n, err := strconv.Atoi(s[:colon])
		if err != nil || n < 0 {
			return []*Packet{{Type: packetParseError}}
		}
		rest := s[colon+1:]
		end := 0
		for i := 0; i < n; i++ {
			if end >= len(rest) {
				return []*Packet{{Type: packetParseError}}
			}
			_, size := utf8.DecodeRuneInString(rest[end:])
			end += size
		}
		packets = append(packets, decodePacket([]byte(rest[:end]), false))
		s = rest[end:]
	}
	return packets
}
