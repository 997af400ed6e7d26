package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/pki"
)

// Message tags. The union is closed: decoders reject anything else.
const (
	tagInitialize uint8 = 0x01
	tagCommand    uint8 = 0x02
	tagTerminate  uint8 = 0x03
)

// Signing domains keep command and terminate digests disjoint even
// over identical fields.
const (
	commandSigningDomain   = "daglight/command/v1"
	terminateSigningDomain = "daglight/terminate/v1"
)

var (
	// ErrUnknownTag reports a message tag outside the union.
	ErrUnknownTag = errors.New("codec: unknown message tag")
	// ErrNilMessage reports an attempt to encode a nil message.
	ErrNilMessage = errors.New("codec: nil message")
	// ErrTooManyParticipants reports an initialize message whose
	// participant set exceeds the u8 count field.
	ErrTooManyParticipants = errors.New("codec: too many participants")
)

// Message is the engine-level command envelope content: a closed
// tagged union over the three wire variants. Every variant targets one
// episode.
type Message interface {
	// Episode returns the target episode id.
	Episode() episode.ID

	encode(w *Writer)
}

// Initialize creates an episode. It is the designated unsigned
// variant: authorization for everything after it comes from the
// participant set it registers. An EpisodeID of zero asks the engine
// to derive the id from the carrying transaction.
type Initialize struct {
	EpisodeID    episode.ID
	Participants []pki.PublicKey
	Config       []byte
}

// Episode returns the target episode id.
func (m *Initialize) Episode() episode.ID { return m.EpisodeID }

func (m *Initialize) encode(w *Writer) {
	if len(m.Participants) > 255 {
		w.fail(ErrTooManyParticipants)
		return
	}
	w.U8(tagInitialize)
	w.U32(uint32(m.EpisodeID))
	w.U8(uint8(len(m.Participants)))
	for _, p := range m.Participants {
		w.Raw(p[:])
	}
	w.Bytes(m.Config)
}

func (m *Initialize) decode(r *Reader) {
	m.EpisodeID = episode.ID(r.U32())
	n := int(r.U8())
	if n > 0 {
		m.Participants = make([]pki.PublicKey, n)
		for i := range m.Participants {
			copy(m.Participants[i][:], r.Raw(pki.PublicKeySize))
		}
	}
	if cfg := r.Bytes(); len(cfg) > 0 {
		m.Config = bytes.Clone(cfg)
	}
}

// Command carries one signed application command body. Sequence is the
// author's uniqueness nonce: the signature covers (episode, sequence,
// body), so reusing a sequence for a different body produces a
// different signature and replaying the same one is rejected as a
// duplicate.
type Command struct {
	EpisodeID episode.ID
	Sequence  uint64
	Body      []byte
	Signer    pki.PublicKey
	Signature pki.Signature
}

// Episode returns the target episode id.
func (m *Command) Episode() episode.ID { return m.EpisodeID }

func (m *Command) encode(w *Writer) {
	w.U8(tagCommand)
	w.U32(uint32(m.EpisodeID))
	w.U64(m.Sequence)
	w.Bytes(m.Body)
	w.Raw(m.Signer[:])
	w.Raw(m.Signature[:])
}

func (m *Command) decode(r *Reader) {
	m.EpisodeID = episode.ID(r.U32())
	m.Sequence = r.U64()
	if body := r.Bytes(); len(body) > 0 {
		m.Body = bytes.Clone(body)
	}
	copy(m.Signer[:], r.Raw(pki.PublicKeySize))
	copy(m.Signature[:], r.Raw(pki.SignatureSize))
}

// SigningDigest returns the digest a participant signs to authorize
// the command.
func (m *Command) SigningDigest() [32]byte {
	return pki.Digest(commandSigningDomain, signingBytes(m.EpisodeID, m.Sequence, m.Body))
}

// Terminate ends an episode. Like Command it is signed by a
// participant.
type Terminate struct {
	EpisodeID episode.ID
	Sequence  uint64
	Signer    pki.PublicKey
	Signature pki.Signature
}

// Episode returns the target episode id.
func (m *Terminate) Episode() episode.ID { return m.EpisodeID }

func (m *Terminate) encode(w *Writer) {
	w.U8(tagTerminate)
	w.U32(uint32(m.EpisodeID))
	w.U64(m.Sequence)
	w.Raw(m.Signer[:])
	w.Raw(m.Signature[:])
}

func (m *Terminate) decode(r *Reader) {
	m.EpisodeID = episode.ID(r.U32())
	m.Sequence = r.U64()
	copy(m.Signer[:], r.Raw(pki.PublicKeySize))
	copy(m.Signature[:], r.Raw(pki.SignatureSize))
}

// SigningDigest returns the digest a participant signs to authorize
// the termination.
func (m *Terminate) SigningDigest() [32]byte {
	return pki.Digest(terminateSigningDomain, signingBytes(m.EpisodeID, m.Sequence, nil))
}

func signingBytes(id episode.ID, sequence uint64, body []byte) []byte {
	buf := make([]byte, 12, 12+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint64(buf[4:12], sequence)
	return append(buf, body...)
}

// EncodeMessage serializes a message to its canonical bytes.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	w := NewWriter()
	msg.encode(w)
	return w.Finish()
}

// DecodeMessage parses a message, requiring the input to be consumed
// exactly.
func DecodeMessage(raw []byte) (Message, error) {
	r := NewReader(raw)
	tag := r.U8()
	if err := r.Err(); err != nil {
		return nil, err
	}

	var msg Message
	switch tag {
	case tagInitialize:
		m := new(Initialize)
		m.decode(r)
		msg = m
	case tagCommand:
		m := new(Command)
		m.decode(r)
		msg = m
	case tagTerminate:
		m := new(Terminate)
		m.decode(r)
		msg = m
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}
