package bftcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerera/bft/internal/digest"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	d := digest.Of([]byte("batch contents"))
	sig, err := Sign(kp.Priv, d)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureLength)

	assert.NoError(t, Verify(kp.Pub, d, sig))
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := Sign(kp.Priv, digest.Of([]byte("original")))
	require.NoError(t, err)

	err = Verify(kp.Pub, digest.Of([]byte("tampered")), sig)
	assert.ErrorIs(t, err, ErrVerifyFailed)
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	err = Verify(kp.Pub, digest.Of([]byte("x")), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignatureLen)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := EncodePrivateKey(kp.Priv)
	require.NoError(t, err)

	decoded, err := DecodePrivateKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, kp.Priv.D, decoded.D)
}

func TestFromMnemonicIsDeterministic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)

	a, err := FromMnemonic(mnemonic, "pass")
	require.NoError(t, err)
	b, err := FromMnemonic(mnemonic, "pass")
	require.NoError(t, err)
	assert.Equal(t, a.Priv.D, b.Priv.D)
	assert.Equal(t, Fingerprint(a.Pub), Fingerprint(b.Pub))

	c, err := FromMnemonic(mnemonic, "other")
	require.NoError(t, err)
	assert.NotEqual(t, a.Priv.D, c.Priv.D, "passphrase must change the derived key")
}

func TestFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := FromMnemonic("not a valid mnemonic at all", "")
	assert.Error(t, err)
}

func TestFingerprintIsShortAndStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	fp := Fingerprint(kp.Pub)
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, Fingerprint(kp.Pub))
}
