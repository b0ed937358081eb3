package contracts

import "errors"

// Service-level errors shared by the daemon service and its adapters.
var (
	ErrSessionUnavailable = errors.New("remote sessions are not enabled")
	ErrInvalidAmount      = errors.New("transfer value must be a positive wei amount")
	ErrInvalidSettings    = errors.New("invalid settings")
)
