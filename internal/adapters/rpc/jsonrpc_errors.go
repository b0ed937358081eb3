package rpc

import (
	"context"
	"errors"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/domains/contracts"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/identity"
	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/internal/storage"
)

// Application error codes returned in the JSON-RPC error object.
const (
	codeParseError        = -32700
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeInternal          = -32603
	codeBroadcastFailed   = -32000
	codeInsufficientFunds = -32003
	codeRateLimited       = -32005

	codeWrongPassword     = -32010
	codeAttemptsExhausted = -32011
	codePasswordRequired  = -32012
	codeVaultLocked       = -32013
	codeNotFound          = -32014
	codeDuplicate         = -32015
	codeCorrupt           = -32016

	codeUserRejected         = -32020
	codeConfirmationRequired = -32021
	codePromptNotFound       = -32022

	codeSessionBusy        = -32030
	codeSessionUnavailable = -32031
	codeNoSession          = -32032

	codeUnknownNetwork = -32040
	codeCancelled      = -32050

	codeIdempotencyConflict = -32090
	codeServiceUnavailable  = -32099
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

var errorCodes = []struct {
	err  error
	code int
}{
	{identity.ErrUnlockAttemptsExhausted, codeAttemptsExhausted},
	{identity.ErrWrongPassword, codeWrongPassword},
	{identity.ErrPasswordRequired, codePasswordRequired},
	{identity.ErrPasswordMismatch, codePasswordRequired},
	{identity.ErrPasswordAlreadySet, codePasswordRequired},
	{identity.ErrVaultLocked, codeVaultLocked},
	{identity.ErrIdentityNotFound, codeNotFound},
	{identity.ErrTrashIndex, codeNotFound},
	{identity.ErrDuplicateAddress, codeDuplicate},
	{identity.ErrRecordCorrupt, codeCorrupt},
	{storage.ErrStoreCorrupt, codeCorrupt},
	{identity.ErrDisplayNameRequired, codeInvalidParams},
	{chainkey.ErrInvalidSecret, codeInvalidParams},
	{chainkey.ErrInvalidMnemonic, codeInvalidParams},
	{contracts.ErrInvalidAmount, codeInvalidParams},
	{contracts.ErrInvalidSettings, codeInvalidParams},
	{gate.ErrUserRejected, codeUserRejected},
	{identity.ErrConfirmationRequired, codeConfirmationRequired},
	{gate.ErrNoConfirmer, codeConfirmationRequired},
	{gate.ErrPromptNotFound, codePromptNotFound},
	{session.ErrInvalidPairingURI, codeInvalidParams},
	{session.ErrBusy, codeSessionBusy},
	{session.ErrAuthorizerStopped, codeSessionUnavailable},
	{contracts.ErrSessionUnavailable, codeSessionUnavailable},
	{session.ErrNoSession, codeNoSession},
	{chain.ErrUnknownNetwork, codeUnknownNetwork},
	{chain.ErrInvalidRecipient, codeInvalidParams},
	{chain.ErrInsufficientFundsForGas, codeInsufficientFunds},
	{chain.ErrBroadcastFailed, codeBroadcastFailed},
	{context.Canceled, codeCancelled},
	{context.DeadlineExceeded, codeCancelled},
}

// mapServiceError turns a service error into a JSON-RPC error. Order matters:
// exhaustion wraps the wrong-password error and must win.
func mapServiceError(err error) *rpcError {
	if err == nil {
		return nil
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return &rpcError{Code: entry.code, Message: err.Error()}
		}
	}
	return &rpcError{Code: codeInternal, Message: err.Error()}
}
