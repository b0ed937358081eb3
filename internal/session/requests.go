package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const maxDisplayLen = 512

var supportedMethods = map[string]struct{}{
	models.MethodPersonalSign:    {},
	models.MethodEthSign:         {},
	models.MethodSignTypedData:   {},
	models.MethodSignTypedDataV4: {},
	models.MethodSendTransaction: {},
}

func methodLabel(method string) string {
	if _, ok := supportedMethods[method]; ok {
		return method
	}
	return "unsupported"
}

func (a *Authorizer) dispatch(ctx context.Context, sess *models.PairedSession, r models.SigningRequest) (any, error) {
	if _, ok := supportedMethods[r.Method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, r.Method)
	}
	if !allowsChain(sess.Namespaces, r.ChainID) {
		return nil, fmt.Errorf("%w: %s", ErrChainNotNegotiated, r.ChainID)
	}
	if !allowsMethod(sess.Namespaces, r.ChainID, r.Method) {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotNegotiated, r.Method)
	}
	signer, err := a.cfg.Signers.Signer(sess.BoundAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorizedAddress, err)
	}
	switch r.Method {
	case models.MethodPersonalSign, models.MethodEthSign:
		return a.signMessage(ctx, sess, r, signer)
	case models.MethodSignTypedData, models.MethodSignTypedDataV4:
		return a.signTypedData(ctx, sess, r, signer)
	default:
		return a.sendTransaction(ctx, sess, r, signer)
	}
}

// signMessage handles personal_sign ([data, address]) and eth_sign
// ([address, data]). Hex payloads are signed as raw bytes; the prompt shows
// them as text when they decode to printable UTF-8.
func (a *Authorizer) signMessage(ctx context.Context, sess *models.PairedSession, r models.SigningRequest, signer chainkey.Signer) (any, error) {
	params, err := stringParams(r.Params)
	if err != nil {
		return nil, err
	}
	var data, address string
	switch {
	case r.Method == models.MethodEthSign && len(params) >= 2:
		address, data = params[0], params[1]
	case r.Method == models.MethodPersonalSign && len(params) >= 1:
		data = params[0]
		if len(params) >= 2 {
			address = params[1]
		}
	default:
		return nil, fmt.Errorf("%w: missing message", ErrMalformedPayload)
	}
	if address != "" && !chainkey.SameAddress(address, sess.BoundAddress) {
		return nil, ErrUnauthorizedAddress
	}
	raw, display := DecodeMessage(data)

	err = a.cfg.Gate.Authorize(ctx, gate.Action{
		Kind:  gate.KindSignMessage,
		Title: "Sign message for " + peerName(sess),
		Details: []gate.Detail{
			{Label: "message", Value: truncate(display)},
			{Label: "account", Value: sess.BoundAddress},
			{Label: "chain", Value: r.ChainID},
		},
		Ref: requestRef(r),
	})
	if err != nil {
		return nil, err
	}
	a.enterExecuting()
	sig, err := signer.SignText(raw)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func (a *Authorizer) signTypedData(ctx context.Context, sess *models.PairedSession, r models.SigningRequest, signer chainkey.Signer) (any, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(r.Params, &params); err != nil || len(params) < 2 {
		return nil, fmt.Errorf("%w: expected [address, typedData]", ErrMalformedPayload)
	}
	var address string
	if err := json.Unmarshal(params[0], &address); err != nil {
		return nil, fmt.Errorf("%w: address must be a string", ErrMalformedPayload)
	}
	if !chainkey.SameAddress(address, sess.BoundAddress) {
		return nil, ErrUnauthorizedAddress
	}
	td, err := ParseTypedData(params[1])
	if err != nil {
		return nil, err
	}
	message, _ := json.Marshal(td.Message)

	err = a.cfg.Gate.Authorize(ctx, gate.Action{
		Kind:  gate.KindSignMessage,
		Title: "Sign typed data for " + peerName(sess),
		Details: []gate.Detail{
			{Label: "domain", Value: td.Domain.Name},
			{Label: "type", Value: td.PrimaryType},
			{Label: "message", Value: truncate(string(message))},
			{Label: "account", Value: sess.BoundAddress},
		},
		Ref: requestRef(r),
	})
	if err != nil {
		return nil, err
	}
	a.enterExecuting()
	sig, err := signer.SignTypedData(td)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return hexutil.Encode(sig), nil
}

type txParams struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Value    *hexutil.Big    `json:"value"`
	Data     hexutil.Bytes   `json:"data"`
	Input    hexutil.Bytes   `json:"input"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
}

// sendTransaction asks for approval showing recipient and value, then builds,
// signs and broadcasts. The transaction hash is the result.
func (a *Authorizer) sendTransaction(ctx context.Context, sess *models.PairedSession, r models.SigningRequest, signer chainkey.Signer) (any, error) {
	var params []txParams
	if err := json.Unmarshal(r.Params, &params); err != nil || len(params) == 0 {
		return nil, fmt.Errorf("%w: expected [transaction]", ErrMalformedPayload)
	}
	tx := params[0]
	if !chainkey.SameAddress(tx.From, sess.BoundAddress) {
		return nil, ErrUnauthorizedAddress
	}
	if !common.IsHexAddress(tx.To) {
		return nil, fmt.Errorf("%w: recipient is required", ErrMalformedPayload)
	}
	_, chainID, err := chain.ParseChainRef(r.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if a.cfg.Chains == nil {
		return nil, fmt.Errorf("%w: no chain endpoints configured", chain.ErrUnknownNetwork)
	}
	sender, err := a.cfg.Chains.Sender(ctx, r.ChainID)
	if err != nil {
		return nil, err
	}
	req := chain.TxRequest{To: tx.To, Value: new(big.Int), ChainID: chainID, Data: tx.Data}
	if tx.Value != nil {
		req.Value = tx.Value.ToInt()
	}
	if len(req.Data) == 0 {
		req.Data = tx.Input
	}
	if tx.Gas != nil {
		req.Gas = uint64(*tx.Gas)
	}
	if tx.GasPrice != nil {
		req.GasPrice = tx.GasPrice.ToInt()
	}

	details := []gate.Detail{
		{Label: "network", Value: r.ChainID},
		{Label: "from", Value: sess.BoundAddress},
		{Label: "to", Value: common.HexToAddress(tx.To).Hex()},
		{Label: "value", Value: chain.FormatEther(req.Value) + " ETH"},
	}
	if len(req.Data) > 0 {
		details = append(details, gate.Detail{Label: "data", Value: truncate(hexutil.Encode(req.Data))})
	}
	err = a.cfg.Gate.Authorize(ctx, gate.Action{
		Kind:    gate.KindMoveFunds,
		Title:   "Send transaction for " + peerName(sess),
		Details: details,
		Ref:     requestRef(r),
	})
	if err != nil {
		return nil, err
	}
	a.enterExecuting()
	hash, err := sender.Send(ctx, signer, req)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

// DecodeMessage returns the bytes to sign and the text to show for a
// personal_sign payload.
func DecodeMessage(data string) ([]byte, string) {
	if has0x(data) {
		if raw, err := hexutil.Decode(data); err == nil {
			if isPrintable(raw) {
				return raw, string(raw)
			}
			return raw, data
		}
	}
	return []byte(data), data
}

// ParseTypedData accepts typed data either as a JSON object or as a string
// holding one.
func ParseTypedData(raw json.RawMessage) (apitypes.TypedData, error) {
	var td apitypes.TypedData
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return td, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, &td); err != nil {
		return td, fmt.Errorf("%w: typed data: %v", ErrMalformedPayload, err)
	}
	if td.PrimaryType == "" || len(td.Types) == 0 {
		return td, fmt.Errorf("%w: typed data lacks types or primaryType", ErrMalformedPayload)
	}
	if _, _, err := apitypes.TypedDataAndHash(td); err != nil {
		return td, fmt.Errorf("%w: typed data: %v", ErrMalformedPayload, err)
	}
	return td, nil
}

func toRPCError(err error) *models.RPCError {
	switch {
	case errors.Is(err, gate.ErrUserRejected):
		return rpcError(CodeUserRejected, "user rejected")
	case errors.Is(err, ErrMalformedPayload):
		return rpcError(CodeInvalidParams, err.Error())
	case errors.Is(err, ErrUnauthorizedAddress):
		return rpcError(CodeUnauthorized, "unauthorized")
	case errors.Is(err, ErrMethodNotFound):
		return rpcError(CodeMethodNotFound, "method not found")
	case errors.Is(err, ErrMethodNotNegotiated):
		return rpcError(CodeMethodNotNegotiated, "unsupported method")
	case errors.Is(err, ErrChainNotNegotiated), errors.Is(err, chain.ErrUnknownNetwork):
		return rpcError(CodeUnsupportedChains, "unsupported chain")
	case errors.Is(err, chain.ErrInsufficientFundsForGas):
		return rpcError(CodeInsufficientFunds, "insufficient funds for gas")
	case errors.Is(err, chain.ErrBroadcastFailed), errors.Is(err, chain.ErrInvalidRecipient):
		return rpcError(CodeBroadcastFailed, "transaction broadcast failed")
	default:
		return rpcError(CodeInternal, "internal error")
	}
}

func stringParams(raw json.RawMessage) ([]string, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: expected string params", ErrMalformedPayload)
	}
	return params, nil
}

func requestRef(r models.SigningRequest) string {
	return "request:" + strconv.FormatUint(r.ID, 10)
}

func peerName(sess *models.PairedSession) string {
	if sess.PeerName != "" {
		return sess.PeerName
	}
	return sess.PeerURL
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isPrintable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= maxDisplayLen {
		return s
	}
	cut := maxDisplayLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
