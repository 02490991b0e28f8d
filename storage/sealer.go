package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/tollgate/internal/crypto"
	"github.com/jmcleod/tollgate/internal/util"
)

// Sealer encrypts JSON records into Envelopes. The seal key stays in a
// memguard enclave; per-namespace record keys are derived on each use and
// wiped afterwards.
type Sealer struct {
	key *memguard.Enclave
}

// NewSealer takes ownership of sealKey and wipes the caller's copy.
func NewSealer(sealKey []byte) (*Sealer, error) {
	if len(sealKey) != util.AESKeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", util.AESKeySize, len(sealKey))
	}
	return &Sealer{key: memguard.NewEnclave(sealKey)}, nil
}

// NewRandomSealer returns a Sealer with a fresh key. Records it seals are
// unreadable once the process exits.
func NewRandomSealer() (*Sealer, error) {
	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

func (s *Sealer) recordKey(namespace string) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("sealer not initialized")
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening seal key: %w", err)
	}
	defer buf.Destroy()
	return icrypto.DeriveRecordKey(buf.Bytes(), namespace)
}

// Seal marshals v and encrypts it bound to (namespace, recordType, recordID).
func (s *Sealer) Seal(namespace, recordType, recordID string, v any, version uint64) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", recordType, err)
	}
	defer util.WipeBytes(plaintext)

	key, err := s.recordKey(namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	return SealRecord(key, plaintext, icrypto.AADRecord(namespace, recordType, recordID, envelopeVer), version)
}

// Open decrypts env and unmarshals it into v.
func (s *Sealer) Open(namespace, recordType, recordID string, env *Envelope, v any) error {
	key, err := s.recordKey(namespace)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)

	plaintext, err := OpenRecord(key, env, icrypto.AADRecord(namespace, recordType, recordID, envelopeVer))
	if err != nil {
		return fmt.Errorf("open %s record: %w", recordType, err)
	}
	defer util.WipeBytes(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal %s record: %w", recordType, err)
	}
	return nil
}
