// Package storage provides the record storage abstraction shared by the
// session store and the principal directory.
//
// Records live in a namespace and are addressed by (recordType, recordID).
// Every record is a sealed Envelope carrying a monotonically increasing
// Version that PutCAS compares against.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned by backends that can tell a missing
	// namespace apart from a missing record.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage.
//
// PutCAS with expectedVersion 0 creates the record and fails if it already
// exists; any other value must equal the stored envelope's Version.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record (or its namespace) is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
