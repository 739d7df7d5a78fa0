package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Check-in errors
	ErrAlreadyCheckedIn = errors.New("already checked in today")

	// Purchase errors
	ErrAmountZero          = errors.New("amount must be > 0")
	ErrAmountTooLarge      = errors.New("amount exceeds the per-purchase limit")
	ErrInsufficientPayment = errors.New("insufficient payment")

	// Consumption errors
	ErrDuplicateRequest  = errors.New("request nonce already processed")
	ErrInvalidNonce      = errors.New("request nonce must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext input")

	// Treasury errors
	ErrNotOwner = errors.New("not owner")

	// Fatal errors: abort the whole operation
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrBackend            = errors.New("homomorphic backend failure")

	// Decryption errors
	ErrUnauthorizedViewer = errors.New("viewing key not authorized for ciphertext")

	// Store errors
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAccount  = errors.New("invalid account identifier")
	ErrOwnerMismatch   = errors.New("ledger already initialized for a different owner")
)
