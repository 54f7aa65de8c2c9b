package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePackage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.yaml":          "family: contoso.paint\nversion: 1.0.0\n",
		"public/extension.html": "<script>function extensionLoad(s){}</script>",
		".status":               "servicing\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Errorf("public key size: expected %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(priv) != ed25519.PrivateKeySize {
		t.Errorf("private key size: expected %d, got %d", ed25519.PrivateKeySize, len(priv))
	}

	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair failed: %v", err)
	}
	if pub.Equal(pub2) {
		t.Error("generated identical public keys")
	}
}

func TestSignAndVerifyPackage(t *testing.T) {
	dir := writePackage(t)
	pub, priv, _ := GenerateKeyPair()

	if err := SignPackage(dir, priv); err != nil {
		t.Fatalf("SignPackage failed: %v", err)
	}

	res, err := VerifyPackage(dir, []ed25519.PublicKey{pub})
	if err != nil {
		t.Fatalf("VerifyPackage failed: %v", err)
	}
	if !res.Trusted {
		t.Error("expected signer to be trusted")
	}
	if !res.Signer.Equal(pub) {
		t.Error("signer does not match signing key")
	}
}

func TestVerifySelfSigned(t *testing.T) {
	dir := writePackage(t)
	_, priv, _ := GenerateKeyPair()
	other, _, _ := GenerateKeyPair()
	if err := SignPackage(dir, priv); err != nil {
		t.Fatal(err)
	}

	res, err := VerifyPackage(dir, []ed25519.PublicKey{other})
	if err != nil {
		t.Fatalf("self-signed package should verify: %v", err)
	}
	if res.Trusted {
		t.Error("self-signed package must not be trusted")
	}
}

func TestVerifyUnsigned(t *testing.T) {
	dir := writePackage(t)
	if _, err := VerifyPackage(dir, nil); !errors.Is(err, ErrUnsigned) {
		t.Errorf("expected ErrUnsigned, got %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := writePackage(t)
	pub, priv, _ := GenerateKeyPair()
	if err := SignPackage(dir, priv); err != nil {
		t.Fatal(err)
	}

	// Hidden files are outside the signature.
	if err := os.WriteFile(filepath.Join(dir, ".status"), []byte("package_offline\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyPackage(dir, []ed25519.PublicKey{pub}); err != nil {
		t.Fatalf("status marker change broke the signature: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "public", "extension.html"), []byte("<script>evil()</script>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyPackage(dir, []ed25519.PublicKey{pub}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	dir := writePackage(t)
	for _, content := range []string{"", "abc", "zz zz", hex.EncodeToString(make([]byte, 32)) + " 00"} {
		if err := os.WriteFile(filepath.Join(dir, SignatureFile), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := VerifyPackage(dir, nil); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("content %q: expected ErrInvalidSignature, got %v", content, err)
		}
	}
}

func TestDigestStable(t *testing.T) {
	dir := writePackage(t)
	a, err := Digest(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Digest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(a) != hex.EncodeToString(b) {
		t.Error("digest changed without content changes")
	}
}

func TestParseKeys(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()

	gotPub, err := ParsePublicKey(hex.EncodeToString(pub) + "\n")
	if err != nil || !gotPub.Equal(pub) {
		t.Errorf("ParsePublicKey round trip failed: %v", err)
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("expected error for short public key")
	}

	gotPriv, err := ParsePrivateKey(hex.EncodeToString(priv))
	if err != nil || !gotPriv.Equal(priv) {
		t.Errorf("ParsePrivateKey round trip failed: %v", err)
	}
	fromSeed, err := ParsePrivateKey(hex.EncodeToString(priv.Seed()))
	if err != nil || !fromSeed.Equal(priv) {
		t.Errorf("ParsePrivateKey from seed failed: %v", err)
	}
	if _, err := ParsePrivateKey("nothex"); err == nil {
		t.Error("expected error for invalid hex")
	}
}
