package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// identityFile is the on-disk form of a record.
type identityFile struct {
	Name       string    `json:"name"`
	Embeddings []byte    `json:"embeddings"`
	Count      int       `json:"count"`
	EnrolledAt time.Time `json:"enrolled_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileStore keeps one file per identity, optionally sealed with NaCl secretbox.
type FileStore struct {
	dir               string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewFileStore creates the identities directory and derives the key.
func NewFileStore(dir string, encryptionEnabled bool) (*FileStore, error) {
	fs := &FileStore{
		dir:               dir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		fs.encryptionKey = deriveKey()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create identities directory: %w", err)
	}

	return fs, nil
}

// deriveKey ties encrypted records to this machine and user.
func deriveKey() [KeySize]byte {
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("faceguard-gallery-v1")

	return sha256.Sum256([]byte(identity.String()))
}

func (fs *FileStore) ext() string {
	if fs.encryptionEnabled {
		return ".enc"
	}
	return ".json"
}

func (fs *FileStore) path(name string) string {
	return filepath.Join(fs.dir, name+fs.ext())
}

// LoadAll reads every identity file. Any unreadable file fails the whole load.
func (fs *FileStore) LoadAll(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != fs.ext() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fs.ext())
		file, err := fs.read(name)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", name, err)
		}
		vectors, err := DecodeVectors(file.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", name, err)
		}
		records = append(records, Record{Name: file.Name, Vectors: vectors, UpdatedAt: file.UpdatedAt})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	logging.Component("storage").Debugf("Loaded %d identities from %s", len(records), fs.dir)
	return records, nil
}

func (fs *FileStore) read(name string) (*identityFile, error) {
	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt identity: %w", err)
		}
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	return &file, nil
}

// Upsert writes the record, replacing any previous vectors for the name.
// The file is replaced atomically.
func (fs *FileStore) Upsert(ctx context.Context, rec Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	block, err := EncodeVectors(rec.Vectors)
	if err != nil {
		return err
	}

	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	file := identityFile{
		Name:       rec.Name,
		Embeddings: block,
		Count:      len(rec.Vectors),
		EnrolledAt: now,
		UpdatedAt:  now,
	}
	if prev, err := fs.read(rec.Name); err == nil {
		file.EnrolledAt = prev.EnrolledAt
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt identity: %w", err)
		}
	}

	tmp, err := os.CreateTemp(fs.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path(rec.Name)); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}

	logging.Component("storage").Debugf("Saved %d vectors for: %s", len(rec.Vectors), rec.Name)
	return nil
}

// Delete removes the identity file.
func (fs *FileStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(fs.path(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrIdentityNotFound
		}
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	logging.Component("storage").Infof("Deleted identity: %s", name)
	return nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close(ctx context.Context) error { return nil }

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStore) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}

var _ Store = (*FileStore)(nil)

// IsNotFound reports whether err means the identity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIdentityNotFound)
}
