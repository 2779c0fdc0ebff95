package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:       1,
		Flags:         0,
		From:          seqno.NodeID(3),
		To:            seqno.NodeID(7),
		Nonce:         0xdeadbeef,
		PayloadLength: 256,
		Digest:        digest.Of([]byte("batch")),
	}
	copy(h.Signature[:], make([]byte, 64))

	buf, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, HeaderLength)

	var out Header
	require.NoError(t, out.UnmarshalBinary(buf))
	assert.Equal(t, h, out)
}

func TestUnmarshalBinaryRejectsWrongLength(t *testing.T) {
	var h Header
	assert.Error(t, h.UnmarshalBinary([]byte{1, 2, 3}))
}

func TestConsensusMessageEncodeDecode(t *testing.T) {
	msg := ConsensusMessage{
		Seq:    5,
		View:   1,
		Kind:   KindPrepare,
		Digest: digest.Of([]byte("batch")),
	}

	raw, err := Encode(msg)
	require.NoError(t, err)

	var decoded interface{} = ConsensusMessage{}
	require.NoError(t, Decode(raw, &decoded))
	assert.Equal(t, msg, decoded.(ConsensusMessage))
}

func TestProofValidRequiresQuorumOnBothSides(t *testing.T) {
	d := digest.Of([]byte("b"))
	p := Proof{
		BatchDigest: d,
		Prepares:    []StoredMessage[ConsensusMessage]{{Payload: ConsensusMessage{Digest: d}}},
		Commits:     []StoredMessage[ConsensusMessage]{{Payload: ConsensusMessage{Digest: d}}},
	}
	assert.False(t, p.Valid(2), "one signature cannot satisfy a quorum of 2")
	assert.True(t, p.Valid(1))
}
