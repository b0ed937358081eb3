// Package chain builds, signs and submits transactions through an Ethereum
// JSON-RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"keyvault/go-backend/internal/chainkey"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const DefaultGasBuffer = 1.2

var (
	ErrInsufficientFundsForGas = errors.New("insufficient funds for gas and value")
	ErrInvalidRecipient        = errors.New("invalid recipient address")
	ErrBroadcastFailed         = errors.New("transaction broadcast failed")
)

// Client is the part of ethclient.Client the sender needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Client = (*ethclient.Client)(nil)

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// TxRequest is a transaction as asked for by a local flow or a peer. Zero
// Gas and nil GasPrice are filled from the node.
type TxRequest struct {
	To       string
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
	ChainID  *big.Int
}

// GasBufferFunc reports the current gas estimate multiplier. Results below
// 1 fall back to the sender's own buffer.
type GasBufferFunc func() float64

type Sender struct {
	client    Client
	gasBuffer float64
	policy    GasBufferFunc
	log       *slog.Logger
}

func NewSender(client Client, gasBuffer float64, logger *slog.Logger) *Sender {
	if gasBuffer < 1 {
		gasBuffer = DefaultGasBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{client: client, gasBuffer: gasBuffer, log: logger}
}

// Build fills in nonce, gas and price for req as sent by from and returns the
// unsigned transaction together with the chain id it must be signed for.
func (s *Sender) Build(ctx context.Context, from string, req TxRequest) (*types.Transaction, *big.Int, error) {
	if !common.IsHexAddress(req.To) {
		return nil, nil, ErrInvalidRecipient
	}
	to := common.HexToAddress(req.To)
	sender := common.HexToAddress(from)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	chainID := req.ChainID
	if chainID == nil {
		id, err := s.client.ChainID(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("query chain id: %w", err)
		}
		chainID = id
	}
	nonce, err := s.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, nil, fmt.Errorf("query nonce: %w", err)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = s.client.SuggestGasPrice(ctx); err != nil {
			return nil, nil, fmt.Errorf("query gas price: %w", err)
		}
	}
	gas := req.Gas
	if gas == 0 {
		estimate, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return nil, nil, mapNodeError(fmt.Errorf("estimate gas: %w", err))
		}
		gas = uint64(float64(estimate) * s.buffer())
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	cost.Add(cost, value)
	if balance, err := s.client.BalanceAt(ctx, sender, nil); err == nil && balance.Cmp(cost) < 0 {
		return nil, nil, fmt.Errorf("%w: need %s wei, have %s wei", ErrInsufficientFundsForGas, cost, balance)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	return tx, chainID, nil
}

func (s *Sender) buffer() float64 {
	if s.policy != nil {
		if b := s.policy(); b >= 1 {
			return b
		}
	}
	return s.gasBuffer
}

// Send builds, signs and broadcasts req and returns the transaction hash.
func (s *Sender) Send(ctx context.Context, signer chainkey.Signer, req TxRequest) (common.Hash, error) {
	tx, chainID, err := s.Build(ctx, signer.Address(), req)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		err = mapNodeError(err)
		if !errors.Is(err, ErrInsufficientFundsForGas) {
			err = fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
		}
		s.log.Warn("transaction rejected by node", "from", signer.Address(), "error", err)
		return common.Hash{}, err
	}
	s.log.Info("transaction broadcast", "from", signer.Address(), "tx_hash", signed.Hash().Hex(), "chain_id", chainID.String())
	return signed.Hash(), nil
}

// Balance is advisory: lookup failures degrade to zero.
func (s *Sender) Balance(ctx context.Context, address string) *big.Int {
	if !common.IsHexAddress(address) {
		return new(big.Int)
	}
	bal, err := s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil || bal == nil {
		s.log.Debug("balance lookup failed", "address", address, "error", err)
		return new(big.Int)
	}
	return bal
}

func mapNodeError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%w: %v", ErrInsufficientFundsForGas, err)
	}
	return err
}
