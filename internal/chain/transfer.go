package chain

import (
	"context"
	"math/big"

	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"

	"github.com/ethereum/go-ethereum/common"
)

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// FormatEther renders a wei amount as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	f := new(big.Float).SetInt(wei)
	return f.Quo(f, weiPerEther).Text('f', -1)
}

// Transfer moves value wei from the signer to to after an explicit
// confirmation. Nothing is built or broadcast when the gate refuses.
func Transfer(ctx context.Context, g *gate.Gate, s *Sender, signer chainkey.Signer, network, to string, value *big.Int) (common.Hash, error) {
	if !common.IsHexAddress(to) {
		return common.Hash{}, ErrInvalidRecipient
	}
	err := g.Authorize(ctx, gate.Action{
		Kind:  gate.KindMoveFunds,
		Title: "Send transfer",
		Details: []gate.Detail{
			{Label: "network", Value: network},
			{Label: "from", Value: signer.Address()},
			{Label: "to", Value: common.HexToAddress(to).Hex()},
			{Label: "value", Value: FormatEther(value) + " ETH"},
		},
	})
	if err != nil {
		return common.Hash{}, err
	}
	req := TxRequest{To: to, Value: value}
	if _, id, err := ParseChainRef(network); err == nil {
		req.ChainID = id
	}
	return s.Send(ctx, signer, req)
}
