package identity

import "errors"

var (
	ErrWrongPassword            = errors.New("wrong vault password")
	ErrUnlockAttemptsExhausted  = errors.New("vault unlock attempts exhausted")
	ErrRecordCorrupt            = errors.New("vault record is corrupt")
	ErrPasswordRequired         = errors.New("vault password is required")
	ErrPasswordMismatch         = errors.New("passwords do not match")
	ErrPasswordAlreadySet       = errors.New("vault already has a password; unlock instead")
	ErrVaultLocked              = errors.New("vault is locked")
	ErrIdentityNotFound         = errors.New("identity not found")
	ErrDuplicateAddress         = errors.New("identity with this address already exists")
	ErrDisplayNameRequired      = errors.New("display name is required")
	ErrTrashIndex               = errors.New("trash index out of range")
	ErrConfirmationRequired     = errors.New("explicit double confirmation is required")
	ErrUnlockFailedAfterRestore = errors.New("record restored but could not be unlocked")
)
