package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

func TestFeatureCipherBindsTemplateID(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	c, err := NewFeatureCipher(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	id := uuid.New()
	plain := []byte("face-embedding")

	sealed, err := c.Seal(id, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("sealed output contains plaintext")
	}
	opened, err := c.Open(id, sealed)
	if err != nil || !bytes.Equal(opened, plain) {
		t.Fatalf("open: %q %v", opened, err)
	}
	if _, err := c.Open(uuid.New(), sealed); err == nil {
		t.Fatal("ciphertext must not open under another template id")
	}
	if _, err := c.Open(id, sealed[:10]); err == nil {
		t.Fatal("expected error on truncated input")
	}
}

func TestFeatureCipherRejectsBadKeys(t *testing.T) {
	t.Parallel()

	if _, err := NewFeatureCipher("not base64!"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := NewFeatureCipher(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected key size error")
	}
}

func TestJWTVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewEphemeralJWTVerifier("k1", "mesh-auth")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	now := time.Now().UTC()
	token, err := v.Sign(ports.OperatorClaims{
		Subject:   "op-7",
		Role:      "reviewer",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := v.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "op-7" || claims.Role != "reviewer" || claims.KeyID != "k1" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	expired, _ := v.Sign(ports.OperatorClaims{Subject: "op-7", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	if _, err := v.ParseAndValidate(expired); err == nil {
		t.Fatal("expired token accepted")
	}

	other, _ := NewEphemeralJWTVerifier("k2", "mesh-auth")
	foreign, _ := other.Sign(ports.OperatorClaims{Subject: "op-7", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if _, err := v.ParseAndValidate(foreign); err == nil {
		t.Fatal("token from another key accepted")
	}

	wrongIssuer := &JWTVerifier{kid: "k1", issuer: "elsewhere", publicKey: v.publicKey}
	if _, err := wrongIssuer.ParseAndValidate(token); err == nil || !strings.Contains(err.Error(), "issuer") {
		t.Fatalf("expected issuer rejection, got %v", err)
	}
}

func TestVerifyOnlyCannotSign(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTVerifier("k", "", ""); err == nil {
		t.Fatal("expected missing key error")
	}
	v := &JWTVerifier{}
	if _, err := v.Sign(ports.OperatorClaims{Subject: "x"}); err == nil {
		t.Fatal("verify-only instance must not sign")
	}
}
