// Package persistence implements the repositories on sqlx over Postgres or
// SQLite. Mailbox and sender addresses are stored encrypted next to a keyed
// hash that carries the lookups.
package persistence

import (
	"errors"
	"fmt"
	"time"

	"notify_server/pkg/crypto"
)

// Common persistence errors
var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("stored record could not be decrypted")
)

// Codec owns the encryption boundary for every adapter.
type Codec struct {
	enc   *crypto.Encryptor
	index *crypto.BlindIndex
}

func NewCodec(enc *crypto.Encryptor, index *crypto.BlindIndex) *Codec {
	return &Codec{enc: enc, index: index}
}

// Key is the lookup hash of an address.
func (c *Codec) Key(addr string) string {
	return c.index.Hash(addr)
}

// Seal encrypts a normalized address for storage.
func (c *Codec) Seal(addr string) (string, error) {
	return c.SealBytes([]byte(crypto.Normalize(addr)))
}

func (c *Codec) SealBytes(b []byte) (string, error) {
	out, err := c.enc.Encrypt(b)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return out, nil
}

func (c *Codec) Open(ciphertext string) (string, error) {
	b, err := c.OpenBytes(ciphertext)
	return string(b), err
}

func (c *Codec) OpenBytes(ciphertext string) ([]byte, error) {
	b, err := c.enc.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return b, nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
