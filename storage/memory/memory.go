// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/tollgate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for tests, development, and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(namespace, recordType, recordID, envelope)
}

func (r *Repository) putLocked(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][makeKey(recordType, recordID)] = envelope.Clone()
	return nil
}

func (r *Repository) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, recordType, recordID)
}

func (r *Repository) getLocked(namespace, recordType, recordID string) (*storage.Envelope, error) {
	records, ok := r.data[namespace]
	if !ok {
		return nil, storage.ErrNotFound
	}
	env, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return env.Clone(), nil
}

func (r *Repository) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[namespace] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(namespace, recordType, recordID)
}

func (r *Repository) deleteLocked(namespace, recordType, recordID string) error {
	records, ok := r.data[namespace]
	if !ok {
		return storage.ErrNotFound
	}
	k := makeKey(recordType, recordID)
	if _, ok := records[k]; !ok {
		return storage.ErrNotFound
	}
	delete(records, k)
	return nil
}

func (r *Repository) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(namespace, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCASLocked(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := r.getLocked(namespace, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(namespace, recordType, recordID, envelope)
	}
	if existing.Version != expectedVersion || expectedVersion == 0 {
		return storage.ErrCASFailed
	}
	return r.putLocked(namespace, recordType, recordID, envelope)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotNamespace(namespace)

	tx := &memoryBatchTx{repo: r, namespace: namespace}
	if err := fn(tx); err != nil {
		r.restoreNamespace(namespace, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotNamespace(namespace string) map[string]*storage.Envelope {
	original, ok := r.data[namespace]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreNamespace(namespace string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, namespace)
	} else {
		r.data[namespace] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	namespace string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return tx.repo.putLocked(tx.namespace, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.repo.putCASLocked(tx.namespace, recordType, recordID, expectedVersion, envelope)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.namespace, recordType, recordID)
}
