package chainkey

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	hardhatMnemonic = "test test test test test test test test test test test junk"
	hardhatKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestParseSecretHexAndMnemonicAgree(t *testing.T) {
	fromHex, err := ParseSecret("0x" + hardhatKey)
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	fromWords, err := ParseSecret(hardhatMnemonic)
	if err != nil {
		t.Fatalf("parse mnemonic: %v", err)
	}
	if fromHex.Address() != hardhatAddress {
		t.Fatalf("unexpected hex address: %s", fromHex.Address())
	}
	if fromWords.Address() != hardhatAddress {
		t.Fatalf("unexpected mnemonic address: %s", fromWords.Address())
	}
	secret, err := fromWords.Secret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if secret != hardhatKey {
		t.Fatalf("unexpected canonical secret: %s", secret)
	}
}

func TestFromMnemonicSecondAccount(t *testing.T) {
	k, err := FromMnemonic(hardhatMnemonic, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k.Address() != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" {
		t.Fatalf("unexpected account 1 address: %s", k.Address())
	}
}

func TestParseSecretRejectsGarbage(t *testing.T) {
	cases := []string{"", "0x1234", "zz" + hardhatKey[2:], "not a valid mnemonic phrase at all"}
	for _, tc := range cases {
		if _, err := ParseSecret(tc); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
	if _, err := ParseSecret("abandon abandon abandon"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSignTextRecoversSigner(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}
	sig, err := k.SignText(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("expected v in {27,28}, got %d", v)
	}
	signer, err := RecoverTextSigner(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !SameAddress(signer, k.Address()) {
		t.Fatalf("recovered %s, want %s", signer, k.Address())
	}
	other, _ := RecoverTextSigner([]byte("0x48656c6c6f"), sig)
	if SameAddress(other, k.Address()) {
		t.Fatal("signature must cover raw bytes, not the hex string")
	}
}

func TestSignTypedDataRecoversSigner(t *testing.T) {
	k, err := ParseSecret(hardhatKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Mail": {
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain: apitypes.TypedDataDomain{
			Name:    "keyvault",
			ChainId: math.NewHexOrDecimal256(1),
		},
		Message: apitypes.TypedDataMessage{"contents": "hello"},
	}
	sig, err := k.SignTypedData(td)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub).Hex() != hardhatAddress {
		t.Fatalf("unexpected signer %s", crypto.PubkeyToAddress(*pub).Hex())
	}
}

func TestSignTxAndWipe(t *testing.T) {
	k, err := ParseSecret(hardhatKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
	chainID := big.NewInt(1)
	signed, err := k.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if from.Hex() != hardhatAddress {
		t.Fatalf("unexpected sender %s", from.Hex())
	}

	k.Wipe()
	if _, err := k.SignText([]byte("x")); !errors.Is(err, ErrKeyWiped) {
		t.Fatalf("expected ErrKeyWiped, got %v", err)
	}
	if k.Address() != hardhatAddress {
		t.Fatal("address should remain readable after wipe")
	}
}
