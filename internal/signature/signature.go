// Package signature signs outbound issuer requests and verifies inbound webhooks
// with RSA PKCS#1 v1.5 over SHA-256, base64 encoded.
//
// Signatures always cover the exact bytes that travel on the wire. Callers
// serialize a request once, sign those bytes and send the same bytes.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ConfigError reports missing or unusable key material.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signature: %s is not configured", e.Key)
	}
	return fmt.Sprintf("signature: invalid %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Signer holds the merchant private key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner parses PEM or bare base64 DER key material.
func NewSigner(material string) (*Signer, error) {
	if normalizeKeyMaterial(material) == "" {
		return nil, &ConfigError{Key: "private key"}
	}
	key, err := ParsePrivateKey(material)
	if err != nil {
		return nil, &ConfigError{Key: "private key", Err: err}
	}
	return &Signer{key: key}, nil
}

func NewSignerFromKey(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the base64 signature of body.
func (s *Signer) Sign(body []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", &ConfigError{Key: "private key"}
	}
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignJSON serializes v and signs the result. The returned body is what must be sent.
func (s *Signer) SignJSON(v any) ([]byte, string, error) {
	body, err := Canonical(v)
	if err != nil {
		return nil, "", err
	}
	sig, err := s.Sign(body)
	if err != nil {
		return nil, "", err
	}
	return body, sig, nil
}

// Canonical serializes v to JSON. A nil value becomes an empty object.
// encoding/json emits struct fields in declaration order and map keys sorted,
// so the same value always produces the same bytes.
func Canonical(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing body: %w", err)
	}
	return body, nil
}

// Verifier decides whether an inbound body is trusted.
type Verifier interface {
	Verify(body []byte, signature string) bool
}

// RSAVerifier checks signatures against the issuer's public key.
type RSAVerifier struct {
	key *rsa.PublicKey
}

func NewVerifier(material string) (*RSAVerifier, error) {
	if normalizeKeyMaterial(material) == "" {
		return nil, &ConfigError{Key: "public key"}
	}
	key, err := ParsePublicKey(material)
	if err != nil {
		return nil, &ConfigError{Key: "public key", Err: err}
	}
	return &RSAVerifier{key: key}, nil
}

func NewVerifierFromKey(key *rsa.PublicKey) *RSAVerifier {
	return &RSAVerifier{key: key}
}

func (v *RSAVerifier) Verify(body []byte, signature string) bool {
	if v == nil {
		return false
	}
	return Verify(body, signature, v.key)
}

// Verify never panics or errors: any malformed input is simply untrusted.
// An empty signature is untrusted.
func Verify(body []byte, signature string, key *rsa.PublicKey) bool {
	if key == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.Strict().DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(body)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// AcceptAll trusts every body. It is only wired when the simulated issuer runs
// without a configured public key.
type AcceptAll struct{}

func (AcceptAll) Verify([]byte, string) bool { return true }
