package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateAccountKey returns the ACME account key stored at path,
// generating and persisting a P-256 key on first use. The same key is used
// against every CA so renewals never create duplicate accounts.
func LoadOrCreateAccountKey(path string) (crypto.Signer, error) {
	key, err := loadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load account key: %w", err)
	}

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	data, err := encodePrivateKey(ec)
	if err != nil {
		return nil, err
	}
	if err := writeFiles([]pendingFile{{path: path, data: data, perm: 0o600}}); err != nil {
		return nil, fmt.Errorf("store account key: %w", err)
	}
	return ec, nil
}

// loadOrCreateCertKey reuses the private key at path when present. A new
// key is only kept in memory; it reaches disk together with the
// certificate it signs.
func loadOrCreateCertKey(path string) (crypto.Signer, bool, error) {
	key, err := loadPrivateKey(path)
	if err == nil {
		return key, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("load certificate key: %w", err)
	}
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate certificate key: %w", err)
	}
	return ec, false, nil
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%s: unsupported key type %T", path, k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%s: unsupported PEM type %q", path, block.Type)
	}
}

func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func encodeCertificates(chain [][]byte) []byte {
	var out []byte
	for _, der := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

// ReadCertificate parses the first certificate in the PEM file at path.
func ReadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no certificate found", path)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

type pendingFile struct {
	path string
	data []byte
	perm os.FileMode
}

// writeFiles stages every file next to its destination and only renames
// once all of them were written. Renames happen in slice order and each is
// atomic on its own, so a failure part way leaves earlier files replaced
// and later ones untouched.
func writeFiles(files []pendingFile) error {
	staged := make([]string, 0, len(files))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}

	for _, f := range files {
		dir := filepath.Dir(f.path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return fmt.Errorf("create %s: %w", dir, err)
		}
		tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
		if err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", f.path, err)
		}
		staged = append(staged, tmp.Name())
		if _, err := tmp.Write(f.data); err != nil {
			tmp.Close()
			cleanup()
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		if err := tmp.Chmod(f.perm); err != nil {
			tmp.Close()
			cleanup()
			return fmt.Errorf("chmod %s: %w", f.path, err)
		}
		if err := tmp.Close(); err != nil {
			cleanup()
			return fmt.Errorf("close %s: %w", f.path, err)
		}
	}

	for i, f := range files {
		if err := os.Rename(staged[i], f.path); err != nil {
			cleanup()
			return fmt.Errorf("replace %s: %w", f.path, err)
		}
	}
	return nil
}
