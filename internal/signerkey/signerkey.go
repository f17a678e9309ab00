// Package signerkey backs up and restores the signer's secp256k1
// identity key as a BIP-39 mnemonic, the same key internal/p2p uses to
// seal every outbound envelope and node.SignerHandler uses to broadcast.
package signerkey

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// mnemonicEntropyBits is 256 bits of entropy, producing a 24-word
// mnemonic — the same strength the teacher's wallet package generates.
const mnemonicEntropyBits = 256

// GenerateMnemonic returns a fresh 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether mnemonic is a well-formed BIP39
// phrase (correct word list and checksum).
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// DeriveKey derives the signer's secp256k1 identity key from a BIP39
// mnemonic and optional passphrase. The key is deterministic: the same
// mnemonic and passphrase always yield the same key, so operators can
// recover a signer's identity (and re-establish its gossip reputation)
// from the mnemonic alone after losing the on-disk key file.
//
// Unlike a BIP32/BIP44 wallet, the signer needs exactly one identity
// key rather than a derivation tree, so the seed's first 32 bytes are
// taken directly as the private scalar rather than run through
// hdkeychain's purpose/coin/account/change/index hierarchy.
func DeriveKey(mnemonic, passphrase string) (*btcec.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	priv, _ := btcec.PrivKeyFromBytes(seed[:32])
	return priv, nil
}
