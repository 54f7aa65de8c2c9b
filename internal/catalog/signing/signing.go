// Package signing signs and verifies extension packages with ed25519.
//
// A package signature covers a SHA-256 digest of every regular file in the
// package directory except the signature itself and hidden files. The
// signature file carries the signer's public key so self-signed packages can
// be told apart from tampered ones.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SignatureFile is the name of the signature inside a package directory.
const SignatureFile = "package.sig"

var (
	ErrUnsigned         = errors.New("package is not signed")
	ErrInvalidSignature = errors.New("package signature does not match contents")
)

// Result is the outcome of verifying a signed package.
type Result struct {
	// Signer is the public key embedded in the signature file.
	Signer ed25519.PublicKey
	// Trusted reports whether Signer is one of the trusted keys.
	Trusted bool
}

// GenerateKeyPair generates a new ed25519 key pair for package signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Digest hashes the signed contents of a package directory.
func Digest(dir string) ([]byte, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || rel == SignatureFile || !d.Type().IsRegular() {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk package: %w", err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(h, "%s\x00", rel)
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", rel, err)
		}
		h.Write([]byte{0})
	}
	return h.Sum(nil), nil
}

// SignPackage writes the signature file into dir.
func SignPackage(dir string, privateKey ed25519.PrivateKey) error {
	digest, err := Digest(dir)
	if err != nil {
		return err
	}
	signature := ed25519.Sign(privateKey, digest)
	pub := privateKey.Public().(ed25519.PublicKey)

	content := hex.EncodeToString(pub) + " " + hex.EncodeToString(signature) + "\n"
	if err := os.WriteFile(filepath.Join(dir, SignatureFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	return nil
}

// VerifyPackage checks the signature file of dir. It returns ErrUnsigned
// when there is none and ErrInvalidSignature when the contents changed
// after signing.
func VerifyPackage(dir string, trustedKeys []ed25519.PublicKey) (Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, ErrUnsigned
	}
	if err != nil {
		return Result{}, fmt.Errorf("read signature: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Result{}, fmt.Errorf("%w: malformed signature file", ErrInvalidSignature)
	}
	pub, err := hex.DecodeString(fields[0])
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Result{}, fmt.Errorf("%w: bad public key", ErrInvalidSignature)
	}
	signature, err := hex.DecodeString(fields[1])
	if err != nil || len(signature) != ed25519.SignatureSize {
		return Result{}, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}

	digest, err := Digest(dir)
	if err != nil {
		return Result{}, err
	}
	if !ed25519.Verify(pub, digest, signature) {
		return Result{}, ErrInvalidSignature
	}

	res := Result{Signer: ed25519.PublicKey(pub)}
	for _, k := range trustedKeys {
		if k.Equal(res.Signer) {
			res.Trusted = true
			break
		}
	}
	return res, nil
}

// ParsePublicKey decodes a hex ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a hex ed25519 private key or seed.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}
