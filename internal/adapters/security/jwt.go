package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// JWTVerifier validates RS256 operator tokens issued by the identity service.
// The private key is only present for locally minted tokens.
type JWTVerifier struct {
	kid        string
	issuer     string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewJWTVerifier builds a verify-only instance from a PEM public key.
func NewJWTVerifier(kid, issuer, publicKeyPEM string) (*JWTVerifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("jwt public key is required")
	}
	pub, err := parseRSAPublic(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &JWTVerifier{kid: kid, issuer: issuer, publicKey: pub}, nil
}

// NewEphemeralJWTVerifier creates an in-memory keypair for local/dev use.
func NewEphemeralJWTVerifier(kid, issuer string) (*JWTVerifier, error) {
	if kid == "" {
		kid = "ephemeral-key-1"
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{
		kid:        kid,
		issuer:     issuer,
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

type operatorJWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Sign mints a token. Only verifiers created with a private key can sign.
func (v *JWTVerifier) Sign(claims ports.OperatorClaims) (string, error) {
	if v.privateKey == nil {
		return "", errors.New("verifier has no signing key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, operatorJWTClaims{
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	token.Header["kid"] = v.kid
	return token.SignedString(v.privateKey)
}

func (v *JWTVerifier) ParseAndValidate(raw string) (ports.OperatorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &operatorJWTClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return ports.OperatorClaims{}, err
	}
	claims, ok := parsed.Claims.(*operatorJWTClaims)
	if !ok || !parsed.Valid {
		return ports.OperatorClaims{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return ports.OperatorClaims{}, errors.New("token subject is required")
	}

	kid, _ := parsed.Header["kid"].(string)
	out := ports.OperatorClaims{
		Subject: claims.Subject,
		Role:    claims.Role,
		KeyID:   kid,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out, nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
