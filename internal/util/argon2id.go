package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned when a stored password hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid argon2id hash")

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// HashPassword returns a PHC string:
// $argon2id$v=19$m=<mem>,t=<time>,p=<par>$<salt>$<key>
func HashPassword(password string, params Argon2idParams) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	salt, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(Normalize(password)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer WipeBytes(key)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.MemoryKiB, params.Time, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword compares password against a PHC string in constant time.
func VerifyPassword(password, phc string) (bool, error) {
	params, salt, expected, err := parsePHC(phc)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(Normalize(password)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func parsePHC(phc string) (Argon2idParams, []byte, []byte, error) {
	var (
		version          int
		params           Argon2idParams
		saltB64, keyB64  string
		memory, time, pr uint32
	)
	// Sscanf cannot split on '$' inside %s, so swap separators first.
	fields := splitPHC(phc)
	if len(fields) != 5 || fields[0] != "argon2id" {
		return params, nil, nil, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(fields[1], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(fields[2], "m=%d,t=%d,p=%d", &memory, &time, &pr); err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	saltB64, keyB64 = fields[3], fields[4]
	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(keyB64)
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrInvalidHash
	}
	params = Argon2idParams{Time: time, MemoryKiB: memory, Parallelism: uint8(pr), KeyLen: uint32(len(key))}
	return params, salt, key, nil
}

func splitPHC(phc string) []string {
	if len(phc) == 0 || phc[0] != '$' {
		return nil
	}
	var out []string
	start := 1
	for i := 1; i < len(phc); i++ {
		if phc[i] == '$' {
			out = append(out, phc[start:i])
			start = i + 1
		}
	}
	return append(out, phc[start:])
}
