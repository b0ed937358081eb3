package session

import (
	"errors"

	"keyvault/go-backend/pkg/models"
)

var (
	ErrInvalidPairingURI      = errors.New("invalid pairing uri")
	ErrBusy                   = errors.New("a pairing or session is already in progress")
	ErrNoSession              = errors.New("no active session")
	ErrPeerRejectedOrTimedOut = errors.New("peer rejected or did not acknowledge the session")
	ErrMalformedPayload       = errors.New("malformed request payload")
	ErrUnauthorizedAddress    = errors.New("requested address is not bound to this session")
	ErrMethodNotFound         = errors.New("method not supported")
	ErrMethodNotNegotiated    = errors.New("method not approved for this session")
	ErrChainNotNegotiated     = errors.New("chain not approved for this session")
	ErrUnsupportedNamespace   = errors.New("unsupported namespace")
	ErrAuthorizerStopped      = errors.New("session authorizer is not running")
)

// Peer-facing error codes.
const (
	CodeUserRejected         = 5000
	CodeUnsupportedChains    = 5100
	CodeUnsupportedMethods   = 5101
	CodeUnsupportedNamespace = 5104
	CodeUserDisconnected     = 6000
	CodeUnauthorized         = 4100
	CodeMethodNotNegotiated  = 4200
	CodeInvalidParams        = -32602
	CodeMethodNotFound       = -32601
	CodeInternal             = -32603
	CodeLimitExceeded        = -32005
	CodeInsufficientFunds    = -32003
	CodeBroadcastFailed      = -32000
)

func rpcError(code int, message string) *models.RPCError {
	return &models.RPCError{Code: code, Message: message}
}
