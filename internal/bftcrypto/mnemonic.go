// Mnemonic-derived node identities, following the teacher's vault
// account creation (bip39 entropy -> mnemonic -> seed, bip32 master
// key): a node whose config carries a mnemonic regenerates the same
// keypair on every start instead of persisting PEM material.
package bftcrypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/jbenet/go-base58"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

// NewMnemonic produces a fresh 24-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("bftcrypto: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("bftcrypto: mnemonic: %w", err)
	}
	return mnemonic, nil
}

// FromMnemonic deterministically derives a node keypair from a
// recovery phrase and passphrase.
func FromMnemonic(mnemonic, passphrase string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("bftcrypto: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("bftcrypto: master key: %w", err)
	}

	// Reduce the bip32 key scalar into [1, N-1] (mod N-1, then +1), so
	// a zero scalar cannot come out of the derivation.
	k := new(big.Int).SetBytes(master.Key)
	n := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	k.Mod(k, n)
	k.Add(k, big.NewInt(1))

	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = k
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return &KeyPair{Priv: priv, Pub: &priv.PublicKey}, nil
}

// Fingerprint is the short base58 identifier of a public key, used in
// logs and the control CLI to name peers without dumping PEM.
func Fingerprint(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	raw := append(pub.X.Bytes(), pub.Y.Bytes()...)
	sum := blake2b.Sum256(raw)
	return base58.Encode(sum[:8])
}
