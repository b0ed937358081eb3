package rpc

import (
	"context"
	"encoding/json"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/gate"
)

func (s *Server) dispatchWalletRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "wallet.balance":
		address, network, err := decodeBalanceParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		bal, err := s.service.Balance(ctx, address, network)
		if err != nil {
			return nil, mapServiceError(err), true
		}
		return map[string]string{
			"address": address,
			"wei":     bal.String(),
			"ether":   chain.FormatEther(bal),
		}, nil, true
	case "wallet.transfer":
		p, err := decodeTransferParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		hash, err := s.service.Transfer(ctx, p.From, p.To, p.Network, p.Value)
		if err != nil {
			return nil, mapServiceError(err), true
		}
		return map[string]string{"tx_hash": hash}, nil, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchSessionRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "session.pair":
		result, rpcErr := callWithTwoStringParams(rawParams, func(uri, address string) (any, error) {
			if err := s.service.Pair(ctx, uri, address); err != nil {
				return nil, err
			}
			return s.service.SessionStatus(), nil
		})
		return result, rpcErr, true
	case "session.status":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			return s.service.SessionStatus(), nil
		})
		return result, rpcErr, true
	case "session.cancel":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			if err := s.service.CancelSession(ctx); err != nil {
				return nil, err
			}
			return s.service.SessionStatus(), nil
		})
		return result, rpcErr, true
	case "approvals.list":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			pending := s.service.PendingApprovals()
			if pending == nil {
				pending = []gate.Prompt{}
			}
			return pending, nil
		})
		return result, rpcErr, true
	case "approvals.decide":
		id, approve, err := decodeDecisionParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if err := s.service.DecideApproval(id, approve); err != nil {
			return nil, mapServiceError(err), true
		}
		return map[string]any{"id": id, "approved": approve}, nil, true
	default:
		return nil, nil, false
	}
}
