package handshake

import (
	"encoding/binary"
	"errors"

	"github.com/sphynx-net/sphynx/crypto"
)

// ProtocolMagic identifies the wire protocol version; packets carrying
// any other value are silently dropped per spec.md section 7.
const ProtocolMagic uint32 = 0xC47D0001

// Opcode identifies one of the five handshake packet shapes. These are
// independent of wire.SOP, which only applies once a connection is
// carrying post-handshake traffic.
type Opcode byte

const (
	OpHello Opcode = iota + 1
	OpCookie
	OpChallenge
	OpAnswer
	OpError
)

// Exact packet sizes, carried from spec.md section 8's testable
// properties: C2S_HELLO=69, S2C_COOKIE=5, C2S_CHALLENGE=73,
// S2C_ANSWER=131, S2C_ERROR=2 bytes.
const (
	HelloLen     = 1 + 4 + crypto.PublicKeyBytes
	CookieLen    = 1 + 4
	ChallengeLen = 1 + 4 + 4 + crypto.ChallengeBytes
	AnswerLen    = 1 + 2 + crypto.AnswerBytes
	ErrorLen     = 1 + 1
)

var (
	ErrBadOpcode = errors.New("handshake: unexpected opcode")
	ErrBadLength = errors.New("handshake: packet has wrong length for its opcode")
	ErrBadMagic  = errors.New("handshake: protocol magic mismatch")
	ErrMalformed = errors.New("handshake: malformed packet")
)

// Hello is C2S_HELLO: 1-byte opcode, 4-byte PROTOCOL_MAGIC,
// PUBLIC_KEY_BYTES of the server public key the client expects to
// reach.
type Hello struct {
	ServerPublicKey [crypto.PublicKeyBytes]byte
}

func EncodeHello(h Hello) []byte {
	buf := make([]byte, HelloLen)
	buf[0] = byte(OpHello)
	binary.LittleEndian.PutUint32(buf[1:5], ProtocolMagic)
	copy(buf[5:], h.ServerPublicKey[:])
	return buf
}

func DecodeHello(buf []byte) (Hello, error) {
	if len(buf) != HelloLen {
		return Hello{}, ErrBadLength
	}
	if Opcode(buf[0]) != OpHello {
		return Hello{}, ErrBadOpcode
	}
	if binary.LittleEndian.Uint32(buf[1:5]) != ProtocolMagic {
		return Hello{}, ErrBadMagic
	}
	var h Hello
	copy(h.ServerPublicKey[:], buf[5:])
	return h, nil
}

// Cookie is S2C_COOKIE: 1-byte opcode, 4-byte echoable cookie.
type Cookie struct {
	Cookie uint32
}

func EncodeCookie(c Cookie) []byte {
	buf := make([]byte, CookieLen)
	buf[0] = byte(OpCookie)
	binary.LittleEndian.PutUint32(buf[1:5], c.Cookie)
	return buf
}

func DecodeCookie(buf []byte) (Cookie, error) {
	if len(buf) != CookieLen {
		return Cookie{}, ErrBadLength
	}
	if Opcode(buf[0]) != OpCookie {
		return Cookie{}, ErrBadOpcode
	}
	return Cookie{Cookie: binary.LittleEndian.Uint32(buf[1:5])}, nil
}

// Challenge is C2S_CHALLENGE: 1-byte opcode, 4-byte PROTOCOL_MAGIC,
// 4-byte echoed cookie, CHALLENGE_BYTES of key-agreement challenge.
type Challenge struct {
	Cookie    uint32
	Challenge [crypto.ChallengeBytes]byte
}

func EncodeChallenge(c Challenge) []byte {
	buf := make([]byte, ChallengeLen)
	buf[0] = byte(OpChallenge)
	binary.LittleEndian.PutUint32(buf[1:5], ProtocolMagic)
	binary.LittleEndian.PutUint32(buf[5:9], c.Cookie)
	copy(buf[9:], c.Challenge[:])
	return buf
}

func DecodeChallenge(buf []byte) (Challenge, error) {
	if len(buf) != ChallengeLen {
		return Challenge{}, ErrBadLength
	}
	if Opcode(buf[0]) != OpChallenge {
		return Challenge{}, ErrBadOpcode
	}
	if binary.LittleEndian.Uint32(buf[1:5]) != ProtocolMagic {
		return Challenge{}, ErrBadMagic
	}
	var c Challenge
	c.Cookie = binary.LittleEndian.Uint32(buf[5:9])
	copy(c.Challenge[:], buf[9:])
	return c, nil
}

// Answer is S2C_ANSWER: 1-byte opcode, 2-byte little-endian session
// port, ANSWER_BYTES of key-agreement answer material. The client must
// thereafter send to the advertised session port.
type Answer struct {
	SessionPort uint16
	Answer      [crypto.AnswerBytes]byte
}

func EncodeAnswer(a Answer) []byte {
	buf := make([]byte, AnswerLen)
	buf[0] = byte(OpAnswer)
	binary.LittleEndian.PutUint16(buf[1:3], a.SessionPort)
	copy(buf[3:], a.Answer[:])
	return buf
}

func DecodeAnswer(buf []byte) (Answer, error) {
	if len(buf) != AnswerLen {
		return Answer{}, ErrBadLength
	}
	if Opcode(buf[0]) != OpAnswer {
		return Answer{}, ErrBadOpcode
	}
	var a Answer
	a.SessionPort = binary.LittleEndian.Uint16(buf[1:3])
	copy(a.Answer[:], buf[3:])
	return a, nil
}

// ErrorKind identifies why a handshake failed, reported to the client
// in S2C_ERROR or surfaced locally by the client state machine.
type ErrorKind byte

const (
	ErrKindBadServerKey ErrorKind = iota + 1
	ErrKindResolveFailed
	ErrKindBindFailed
	ErrKindTimeout
	ErrKindICMP
	ErrKindOutOfMemory
	ErrKindBrokenPipe
	ErrKindServerFull
	ErrKindHandshakeOther
)

// ErrorPacket is S2C_ERROR: 1-byte opcode, 1-byte error kind.
type ErrorPacket struct {
	Kind ErrorKind
}

func EncodeError(e ErrorPacket) []byte {
	return []byte{byte(OpError), byte(e.Kind)}
}

func DecodeError(buf []byte) (ErrorPacket, error) {
	if len(buf) != ErrorLen {
		return ErrorPacket{}, ErrBadLength
	}
	if Opcode(buf[0]) != OpError {
		return ErrorPacket{}, ErrBadOpcode
	}
	return ErrorPacket{Kind: ErrorKind(buf[1])}, nil
}

// PeekOpcode returns the opcode byte of a handshake packet without
// otherwise validating it.
func PeekOpcode(buf []byte) (Opcode, error) {
	if len(buf) < 1 {
		return 0, ErrMalformed
	}
	return Opcode(buf[0]), nil
}
