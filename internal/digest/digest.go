// Package digest provides the fixed-size content-addressing hash used
// throughout the protocol (batch digests, proof binding, checkpoint
// identity). It mirrors the teacher's common.Hash shape with a
// blake2b-backed content hash in place of a chain-specific digest.
package digest

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Length is the digest size in bytes; also the wire header digest field width.
const Length = 32

// Digest is a content-addressed identifier of a serialized message or batch.
type Digest [Length]byte

// Zero reports whether d carries no content (the CST "blank reply" case).
func (d Digest) Zero() bool {
	return d == Digest{}
}

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) Hex() string {
	enc := make([]byte, 2+Length*2)
	copy(enc, "0x")
	hex.Encode(enc[2:], d[:])
	return string(enc)
}

func (d Digest) String() string { return d.Hex() }

func (d Digest) Equal(o Digest) bool { return d == o }

func FromBytes(b []byte) Digest {
	var d Digest
	if len(b) > Length {
		b = b[len(b)-Length:]
	}
	copy(d[Length-len(b):], b)
	return d
}

// Of computes the content digest of one or more byte slices, in the
// order given — the same multi-part hashing shape as the teacher's
// INRISeqHash helper, backed by blake2b-256 instead of blake2b-512
// since the wire digest field is 32 bytes.
func Of(parts ...[]byte) Digest {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (d *Digest) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("can't scan %T into Digest", src)
	}
	if len(b) != Length {
		return fmt.Errorf("can't scan []byte of len %d into Digest, want %d", len(b), Length)
	}
	copy(d[:], b)
	return nil
}

func (d Digest) Value() (driver.Value, error) { return d[:], nil }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != Length {
		return fmt.Errorf("invalid digest length %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// Compare orders two digests byte-lexicographically; used to
// tie-break equally-ranked proofs deterministically.
func (d Digest) Compare(o Digest) int {
	return bytes.Compare(d[:], o[:])
}
