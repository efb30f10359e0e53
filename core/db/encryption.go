package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// EncryptionKeySize is the size of a raw encryption key in bytes (AES-256).
const EncryptionKeySize = 32

// keyDerivationContext salts password-derived keys so the same password
// yields different keys in other applications.
const keyDerivationContext = "bramble database encryption v1"

// encryptionCheckKey is the kv row holding the sealed verifier used to detect
// a wrong key at open time.
const encryptionCheckKey = "encryption_check"

var encryptionVerifier = []byte("bramble-encryption-check")

// EncryptionKey encrypts document bodies at rest with AES-256-GCM.
type EncryptionKey struct {
	raw [EncryptionKeySize]byte
}

// NewEncryptionKey builds a key from raw bytes. The slice must be exactly
// EncryptionKeySize bytes.
func NewEncryptionKey(raw []byte) (*EncryptionKey, error) {
	if len(raw) != EncryptionKeySize {
		return nil, &errors.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("must be %d bytes, got %d", EncryptionKeySize, len(raw)),
		}
	}
	k := &EncryptionKey{}
	copy(k.raw[:], raw)
	return k, nil
}

// EncryptionKeyFromPassword derives a key from a password.
func EncryptionKeyFromPassword(password string) (*EncryptionKey, error) {
	if password == "" {
		return nil, &errors.ValidationError{Field: "password", Message: "must not be empty"}
	}
	k := &EncryptionKey{}
	blake3.DeriveKey(keyDerivationContext, []byte(password), k.raw[:])
	return k, nil
}

func (k *EncryptionKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext, returning nonce||ciphertext.
func (k *EncryptionKey) seal(plaintext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext blob produced by seal.
func (k *EncryptionKey) open(sealed []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("encrypted blob too short: %w", errors.ErrInternal)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key?): %w", err)
	}
	return plaintext, nil
}

// encodeBody seals body when the database has a key, otherwise returns it
// unchanged. Callers must hold d.mu.
func (d *Database) encodeBody(body []byte) ([]byte, error) {
	if d.key == nil {
		return body, nil
	}
	return d.key.seal(body)
}

// decodeBody reverses encodeBody. Callers must hold d.mu.
func (d *Database) decodeBody(stored []byte) ([]byte, error) {
	if d.key == nil {
		return stored, nil
	}
	return d.key.open(stored)
}

// checkEncryption verifies the configured key against the stored verifier,
// writing the verifier on first open.
func (d *Database) checkEncryption() error {
	var stored []byte
	err := d.sqldb.QueryRow(`SELECT value FROM kv WHERE key = ?`, encryptionCheckKey).Scan(&stored)
	if err == sql.ErrNoRows {
		stored = nil
	} else if err != nil {
		return fmt.Errorf("failed to read encryption check: %w", err)
	}

	if stored == nil {
		sealed, err := d.encodeBody(encryptionVerifier)
		if err != nil {
			return fmt.Errorf("failed to seal encryption check: %w", err)
		}
		if _, err := d.sqldb.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)`, encryptionCheckKey, sealed); err != nil {
			return fmt.Errorf("failed to store encryption check: %w", err)
		}
		return nil
	}

	plain, err := d.decodeBody(stored)
	if err != nil || string(plain) != string(encryptionVerifier) {
		return fmt.Errorf("database %s: encryption key mismatch: %w", d.name, errors.ErrInvalidInput)
	}
	return nil
}

// ChangeEncryptionKey re-encrypts every document body with the new key. A nil
// key decrypts the database.
func (d *Database) ChangeEncryptionKey(newKey *EncryptionKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return err
	}
	if d.tx != nil {
		return fmt.Errorf("cannot change encryption key inside a transaction: %w", errors.ErrInvalidInput)
	}

	tx, err := d.sqldb.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rekey transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT collection_id, id, body FROM documents`)
	if err != nil {
		return fmt.Errorf("failed to scan documents for rekey: %w", err)
	}
	type row struct {
		colID int64
		id    string
		body  []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.colID, &r.id, &r.body); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	oldKey := d.key
	reseal := func(stored []byte) ([]byte, error) {
		plain := stored
		if oldKey != nil {
			var err error
			if plain, err = oldKey.open(stored); err != nil {
				return nil, err
			}
		}
		if newKey == nil {
			return plain, nil
		}
		return newKey.seal(plain)
	}

	for _, r := range pending {
		body, err := reseal(r.body)
		if err != nil {
			return fmt.Errorf("failed to re-encrypt document %s: %w", r.id, err)
		}
		if _, err := tx.Exec(
			`UPDATE documents SET body = ? WHERE collection_id = ? AND id = ?`,
			body, r.colID, r.id); err != nil {
			return fmt.Errorf("failed to rewrite document %s: %w", r.id, err)
		}
	}

	verifier := encryptionVerifier
	if newKey != nil {
		if verifier, err = newKey.seal(encryptionVerifier); err != nil {
			return fmt.Errorf("failed to seal encryption check: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		encryptionCheckKey, verifier); err != nil {
		return fmt.Errorf("failed to update encryption check: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rekey: %w", err)
	}
	d.key = newKey
	logging.Info(logging.DomainDatabase, "re-encrypted database %s (%d documents)", d.name, len(pending))
	return nil
}
