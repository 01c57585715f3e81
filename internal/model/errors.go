package model

import (
	"errors"
	"fmt"
)

// Workflow error kinds. Packages wrap these with context; callers match with errors.Is.
var (
	ErrInvalidInputSize       = errors.New("invalid input size")
	ErrValueOutOfRange        = errors.New("value out of range")
	ErrEncryptionFailed       = errors.New("encryption failed")
	ErrPriceTooLow            = errors.New("price too low")
	ErrDatasetTooLarge        = errors.New("dataset too large")
	ErrWalletNotConnected     = errors.New("wallet not connected")
	ErrContractNotInitialized = errors.New("contract not initialized")
	ErrNetworkMismatch        = errors.New("network mismatch")
	ErrTransactionTimeout     = errors.New("transaction timeout")
	ErrTransactionReverted    = errors.New("transaction reverted")
	ErrDecryptionTimeout      = errors.New("decryption timeout")
	ErrQueryFailed            = errors.New("query failed")
	ErrQueryRefunded          = errors.New("query refunded")
	ErrGatewayUnavailable     = errors.New("gateway unavailable")

	ErrInvalidDataset   = errors.New("invalid dataset metadata")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrQueryNotFound    = errors.New("query not found")
	ErrDatasetInactive  = errors.New("dataset inactive")
	ErrMissingParameter = errors.New("missing query parameter")
	ErrInvalidQueryType = errors.New("invalid query type")
	ErrUnsupported      = errors.New("operation not supported by backend")
	ErrSpendLimited     = errors.New("spend rate exceeded")
)

// EncryptionError reports the index of the item whose encryption failed.
// It matches ErrEncryptionFailed under errors.Is.
type EncryptionError struct {
	Index int
	Err   error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failed at index %d: %v", e.Index, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEncryptionFailed) succeed.
func (e *EncryptionError) Is(target error) bool { return target == ErrEncryptionFailed }

type errorInfo struct {
	kind    error
	code    string
	message string
}

// Ordered: more specific kinds first.
var errorTable = []errorInfo{
	{ErrInvalidInputSize, ErrCodeInvalidInput, "Dataset must contain between 1 and 1000 values."},
	{ErrValueOutOfRange, ErrCodeInvalidInput, "Values must be whole numbers between 0 and 4294967295."},
	{ErrEncryptionFailed, ErrCodeEncryption, "Encrypting your data failed. Nothing was submitted."},
	{ErrPriceTooLow, ErrCodeInvalidInput, "Price is below the minimum of 0.001 ETH."},
	{ErrDatasetTooLarge, ErrCodeInvalidInput, "Dataset is larger than the ledger accepts."},
	{ErrWalletNotConnected, ErrCodeUnavailable, "No signing account is connected."},
	{ErrContractNotInitialized, ErrCodeUnavailable, "The marketplace contract is not initialized."},
	{ErrNetworkMismatch, ErrCodeConflict, "The connected network does not support the selected mode."},
	{ErrTransactionTimeout, ErrCodeTimeout, "The transaction was not confirmed in time."},
	{ErrTransactionReverted, ErrCodeLedger, "The ledger rejected the transaction."},
	{ErrDecryptionTimeout, ErrCodeTimeout, "The result is not ready yet. Check again later."},
	{ErrQueryFailed, ErrCodeLedger, "The query failed on the ledger."},
	{ErrQueryRefunded, ErrCodeLedger, "The query was refunded."},
	{ErrGatewayUnavailable, ErrCodeUnavailable, "The decryption gateway is unavailable."},
	{ErrInvalidDataset, ErrCodeInvalidInput, "Dataset name or description is invalid."},
	{ErrInvalidAddress, ErrCodeInvalidInput, "Not a valid account address."},
	{ErrDatasetNotFound, ErrCodeNotFound, "Dataset not found."},
	{ErrQueryNotFound, ErrCodeNotFound, "Query not found."},
	{ErrDatasetInactive, ErrCodeConflict, "Dataset is not active."},
	{ErrMissingParameter, ErrCodeInvalidInput, "This query type needs a threshold."},
	{ErrInvalidQueryType, ErrCodeInvalidInput, "Unknown query type."},
	{ErrUnsupported, ErrCodeUnsupported, "The active backend does not support this operation."},
	{ErrSpendLimited, ErrCodeRateLimited, "You are spending faster than your budget allows. Wait before the next query."},
}

// Describe returns a short human-readable message for err.
// Unknown errors get a generic message; use err.Error() for diagnostics.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorTable {
		if errors.Is(err, e.kind) {
			return e.message
		}
	}
	return "Something went wrong. Please try again."
}

// ErrorCode maps err to an API error code. Unknown errors map to ErrCodeInternalError.
func ErrorCode(err error) string {
	for _, e := range errorTable {
		if errors.Is(err, e.kind) {
			return e.code
		}
	}
	return ErrCodeInternalError
}
