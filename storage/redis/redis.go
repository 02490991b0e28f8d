// Package redis implements storage.Repository on top of Redis.
//
// Each record is a JSON envelope stored under
// <prefix><namespace>:<recordType>:<recordID>; a set per (namespace,
// recordType) holds the record IDs for List. Compare-and-swap and batches
// use WATCH/MULTI optimistic transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/tollgate/storage"
)

const defaultPrefix = "tollgate:"

// Store implements storage.Repository backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository using client. An empty prefix uses
// "tollgate:".
func NewRepository(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect initializes a Redis client from a redis:// URL or a host:port
// address and verifies it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(namespace, recordType, recordID string) string {
	return s.prefix + namespace + ":" + recordType + ":" + recordID
}

func (s *Store) indexKey(namespace, recordType string) string {
	return s.prefix + namespace + ":" + recordType + ":_ids"
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.recordKey(namespace, recordType, recordID), data, 0)
		p.SAdd(ctx, s.indexKey(namespace, recordType), recordID)
		return nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	return getEnvelope(ctx, s.client, s.recordKey(namespace, recordType, recordID), recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(namespace, recordType)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.Del(ctx, s.recordKey(namespace, recordType, recordID))
		p.SRem(ctx, s.indexKey(namespace, recordType), recordID)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

// Batch stages fn's writes and applies them in one MULTI/EXEC. Every record
// fn inspects is WATCHed, so a concurrent change aborts the batch with
// storage.ErrCASFailed.
func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		btx := &redisBatchTx{ctx: ctx, store: s, rtx: rtx, namespace: namespace, staged: map[string]*stagedWrite{}}
		if err := fn(btx); err != nil {
			return err
		}
		if len(btx.order) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, key := range btx.order {
				w := btx.staged[key]
				idx := s.indexKey(namespace, w.recordType)
				if w.data == nil {
					p.Del(ctx, key)
					p.SRem(ctx, idx, w.recordID)
					continue
				}
				p.Set(ctx, key, w.data, 0)
				p.SAdd(ctx, idx, w.recordID)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrCASFailed
	}
	return err
}

type stagedWrite struct {
	recordType string
	recordID   string
	data       []byte // nil means delete
}

type redisBatchTx struct {
	ctx       context.Context
	store     *Store
	rtx       *redis.Tx
	namespace string
	staged    map[string]*stagedWrite
	order     []string
}

func (tx *redisBatchTx) stage(recordType, recordID string, data []byte) {
	key := tx.store.recordKey(tx.namespace, recordType, recordID)
	if _, ok := tx.staged[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.staged[key] = &stagedWrite{recordType: recordType, recordID: recordID, data: data}
}

// current returns the record as this batch sees it: staged writes first,
// then the watched value in Redis.
func (tx *redisBatchTx) current(recordType, recordID string) (*storage.Envelope, error) {
	key := tx.store.recordKey(tx.namespace, recordType, recordID)
	if w, ok := tx.staged[key]; ok {
		if w.data == nil {
			return nil, storage.ErrNotFound
		}
		var env storage.Envelope
		if err := json.Unmarshal(w.data, &env); err != nil {
			return nil, err
		}
		return &env, nil
	}
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return nil, err
	}
	return getEnvelope(tx.ctx, tx.rtx, key, recordType, recordID)
}

func (tx *redisBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	tx.stage(recordType, recordID, data)
	return nil
}

func (tx *redisBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := tx.current(recordType, recordID)
	switch {
	case storage.IsNotFound(err):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	default:
		if expectedVersion == 0 || existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return tx.Put(recordType, recordID, envelope)
}

func (tx *redisBatchTx) Delete(recordType, recordID string) error {
	if _, err := tx.current(recordType, recordID); err != nil {
		return err
	}
	tx.stage(recordType, recordID, nil)
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getEnvelope(ctx context.Context, g getter, key, recordType, recordID string) (*storage.Envelope, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var env storage.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
