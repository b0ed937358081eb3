package chainkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/tyler-smith/go-bip39"
)

// Standard Ethereum BIP-44 prefix; account i lives at <prefix>/i.
const ethereumDerivationPrefix = "m/44'/60'/0'/0"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// NewMnemonic returns a fresh 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the index-th Ethereum account key from mnemonic.
func FromMnemonic(mnemonic string, index uint32) (*Key, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	path, err := accounts.ParseDerivationPath(fmt.Sprintf("%s/%d", ethereumDerivationPrefix, index))
	if err != nil {
		return nil, err
	}
	node := master
	for _, n := range path {
		node, err = node.Derive(n)
		if err != nil {
			return nil, err
		}
	}
	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return newKey(priv.ToECDSA()), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
