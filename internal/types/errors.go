package types

import "errors"

// Engine error taxonomy. Layers wrap these with fmt.Errorf("...: %w", ...)
// context; callers classify with errors.Is.
var (
	// ErrInvalidValue means a value failed validation (unsupported kind,
	// NaN float, non-UTF-8 string). Never mutates state.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidVector means an embedding failed validation (dimension
	// mismatch, empty, non-finite component).
	ErrInvalidVector = errors.New("invalid vector")

	// ErrNotFound means the namespace/key/version does not exist, or the
	// key's head is a tombstone.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted means a memory, disk, or admission budget was
	// exceeded. The request was rejected, never silently dropped.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCorrupted means a checksum mismatch on a WAL frame or blob.
	ErrCorrupted = errors.New("corrupted")

	// ErrConflict is reserved; the default merge mode never returns it.
	ErrConflict = errors.New("conflict")

	// ErrPeerUnavailable means a replication peer could not be reached
	// or an exchange with it failed.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrCancelled means the request's context was cancelled or timed out.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal is the catch-all for invariant violations.
	ErrInternal = errors.New("internal error")
)
