package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfIsDeterministic(t *testing.T) {
	a := Of([]byte("hello"), []byte("world"))
	b := Of([]byte("hello"), []byte("world"))
	assert.Equal(t, a, b)
	assert.False(t, a.Zero())
}

func TestOfOrderMatters(t *testing.T) {
	a := Of([]byte("hello"), []byte("world"))
	b := Of([]byte("world"), []byte("hello"))
	assert.NotEqual(t, a, b)
}

func TestHexRoundTrip(t *testing.T) {
	d := Of([]byte("round-trip"))
	var out Digest
	err := out.UnmarshalText([]byte(d.Hex()))
	assert.NoError(t, err)
	assert.Equal(t, d, out)
}

func TestFromBytesTruncatesAndPads(t *testing.T) {
	short := FromBytes([]byte{1, 2, 3})
	assert.Equal(t, byte(3), short[Length-1])
	assert.Equal(t, byte(0), short[0])
}
