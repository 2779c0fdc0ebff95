// Package wire defines the on-the-network message shapes: the
// bit-exact header (spec §6) and the payload types every subsystem
// exchanges (ConsensusMessage, ViewChangeMessage, CST messages, Ping).
// Encoding follows the teacher's network/packet.go convention of
// encoding/gob framing, the one serialization approach actually used
// natively anywhere in the example pack.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
)

// HeaderLength is the fixed wire header size: version(2) + flags(2) +
// from(4) + to(4) + nonce(8) + payload_length(8) + digest(32) +
// signature(64) = 124 bytes (spec §6).
const HeaderLength = 2 + 2 + 4 + 4 + 8 + 8 + digest.Length + 64

// Header is the bit-exact envelope carried by every message.
type Header struct {
	Version       uint16
	Flags         uint16
	From          seqno.NodeID
	To            seqno.NodeID
	Nonce         uint64
	PayloadLength uint64
	Digest        digest.Digest
	Signature     [64]byte
}

// MarshalBinary serializes the header in network byte order, matching
// the declared field widths exactly.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLength)
	o := 0
	binary.BigEndian.PutUint16(buf[o:], h.Version)
	o += 2
	binary.BigEndian.PutUint16(buf[o:], h.Flags)
	o += 2
	binary.BigEndian.PutUint32(buf[o:], uint32(h.From))
	o += 4
	binary.BigEndian.PutUint32(buf[o:], uint32(h.To))
	o += 4
	binary.BigEndian.PutUint64(buf[o:], h.Nonce)
	o += 8
	binary.BigEndian.PutUint64(buf[o:], h.PayloadLength)
	o += 8
	copy(buf[o:], h.Digest[:])
	o += digest.Length
	copy(buf[o:], h.Signature[:])
	return buf, nil
}

// UnmarshalBinary parses a header from its fixed-width wire form.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderLength {
		return fmt.Errorf("wire: header must be %d bytes, got %d", HeaderLength, len(buf))
	}
	o := 0
	h.Version = binary.BigEndian.Uint16(buf[o:])
	o += 2
	h.Flags = binary.BigEndian.Uint16(buf[o:])
	o += 2
	h.From = seqno.NodeID(binary.BigEndian.Uint32(buf[o:]))
	o += 4
	h.To = seqno.NodeID(binary.BigEndian.Uint32(buf[o:]))
	o += 4
	h.Nonce = binary.BigEndian.Uint64(buf[o:])
	o += 8
	h.PayloadLength = binary.BigEndian.Uint64(buf[o:])
	o += 8
	copy(h.Digest[:], buf[o:o+digest.Length])
	o += digest.Length
	copy(h.Signature[:], buf[o:o+64])
	return nil
}

// StoredMessage pairs a received header with its decoded payload, the
// unit every subsystem queues and processes (spec §3 "StoredMessage<M>").
type StoredMessage[M any] struct {
	Header  Header
	Payload M
}

func NewStoredMessage[M any](h Header, payload M) StoredMessage[M] {
	return StoredMessage[M]{Header: h, Payload: payload}
}
