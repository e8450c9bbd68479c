// Package secrets stores certificate key material and PEM bundles outside the
// lifecycle store. Records only keep the opaque refs returned here.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("secret not found")

type Store interface {
	// Put writes data under name and returns a ref for later Get/Delete.
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete removes the secret. Deleting a missing secret is not an error.
	Delete(ctx context.Context, ref string) error
}

// Named is a Store whose refs follow from names, so a secret written by an
// earlier process can be found again without a record holding its ref.
type Named interface {
	Store
	Ref(name string) string
}

const fileScheme = "file://"

// FileStore keeps secrets as 0600 files under a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("secrets directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("ensure secrets directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Ref(name string) string {
	return fileScheme + name
}

func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("ensure secret directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit secret: %w", err)
	}
	return s.Ref(name), nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove secret: %w", err)
	}
	return nil
}

func (s *FileStore) refPath(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, fileScheme)
	if !ok {
		return "", fmt.Errorf("unsupported secret ref %q", ref)
	}
	return s.path(name)
}

func (s *FileStore) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", errors.New("secret name is required")
	}
	return filepath.Join(s.root, clean), nil
}

// AccountKeyName names the ACME account key for one directory and email.
func AccountKeyName(directoryURL, email string) string {
	host := directoryURL
	if u, err := url.Parse(directoryURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return "acme/accounts/" + host + "/" + strings.ToLower(strings.TrimSpace(email)) + ".key.pem"
}

// Names for the three artifacts of one certificate record.
func KeyName(certificateID string) string   { return certificateID + "/privkey.pem" }
func CertName(certificateID string) string  { return certificateID + "/cert.pem" }
func ChainName(certificateID string) string { return certificateID + "/chain.pem" }
