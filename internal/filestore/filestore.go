// Package filestore persists uploaded audio blobs on local disk. Blobs are
// content-addressed: the storage token is the hex SHA-256 of the contents,
// which makes writes idempotent and tokens safe to embed in message content.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no blob exists for a token.
var ErrNotFound = errors.New("filestore: blob not found")

// MaxBlobSize caps a single stored blob at 10 MiB.
const MaxBlobSize = 10 << 20

// ErrTooLarge is returned when an upload exceeds MaxBlobSize.
var ErrTooLarge = errors.New("filestore: blob exceeds size limit")

// ErrEmpty is returned when an upload contains no bytes.
var ErrEmpty = errors.New("filestore: blob is empty")

// Store is a directory-backed blob store.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save reads the blob from r and stores it under its content hash. It returns
// the token used to retrieve the blob later. Saving the same contents twice
// returns the same token. Empty blobs are rejected.
func (s *Store) Save(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", fmt.Errorf("filestore: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, MaxBlobSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("filestore: write blob: %w", err)
	}
	if n == 0 {
		return "", ErrEmpty
	}
	if n > MaxBlobSize {
		return "", ErrTooLarge
	}

	token := hex.EncodeToString(h.Sum(nil))
	dst := s.path(token)
	if _, err := os.Stat(dst); err == nil {
		return token, nil
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("filestore: commit blob: %w", err)
	}
	return token, nil
}

// Open returns a reader for the blob identified by token. The caller must
// close the returned file.
func (s *Store) Open(token string) (*os.File, error) {
	if !ValidToken(token) {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("filestore: open blob: %w", err)
	}
	return f, nil
}

// ValidToken reports whether token has the shape of a content hash. It guards
// against path traversal through user-supplied tokens.
func ValidToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	for _, c := range token {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

func (s *Store) path(token string) string {
	return filepath.Join(s.root, token)
}
