package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const pemMarker = "-----BEGIN"

var (
	errNoPEMBlock     = errors.New("no PEM block found")
	errUnsupportedKey = errors.New("unsupported private key type")
	errEncryptedKey   = errors.New("encrypted private keys are not supported")
	errNotPEMOrBase64 = errors.New("secret is neither PEM nor base64 encoded PEM")
)

var ecdsaGenerateKey = ecdsa.GenerateKey
var marshalPKCS8Private = x509.MarshalPKCS8PrivateKey

// DecodeSecret returns the PEM text held in raw. The secret store may hold
// either the PEM itself or its base64 encoding.
func DecodeSecret(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, pemMarker) {
		return []byte(raw), nil
	}
	compact := strings.Join(strings.Fields(raw), "")
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		decoded, err := enc.DecodeString(compact)
		if err == nil && strings.Contains(string(decoded), pemMarker) {
			return decoded, nil
		}
	}
	return nil, errNotPEMOrBase64
}

// ParsePrivateKey loads an ECDSA, RSA or Ed25519 private key from a PEM or
// base64 encoded PEM secret.
func ParsePrivateKey(raw string) (crypto.Signer, error) {
	pemBytes, err := DecodeSecret(raw)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errNoPEMBlock
	}
	if strings.Contains(block.Type, "ENCRYPTED") || block.Headers["Proc-Type"] != "" {
		return nil, errEncryptedKey
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errUnsupportedKey
		}
		switch signer.(type) {
		case *ecdsa.PrivateKey, *rsa.PrivateKey, ed25519.PrivateKey:
			return signer, nil
		}
		return nil, errUnsupportedKey
	default:
		return nil, fmt.Errorf("%w: PEM block %q", errUnsupportedKey, block.Type)
	}
}

// GenerateKeyPEM creates an ECDSA P-256 key encoded as PKCS#8 PEM.
func GenerateKeyPEM() (string, error) {
	k, err := ecdsaGenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	der, err := marshalPKCS8Private(k)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// digestSigner signs pre-computed SHA-256 digests.
type digestSigner interface {
	SignDigest(digest []byte) ([]byte, error)
}

type keySigner struct {
	key crypto.Signer
}

func (s keySigner) SignDigest(digest []byte) ([]byte, error) {
	if _, ok := s.key.(ed25519.PrivateKey); ok {
		return s.key.Sign(rand.Reader, digest, crypto.Hash(0))
	}
	return s.key.Sign(rand.Reader, digest, crypto.SHA256)
}

func verifyDigest(pub crypto.PublicKey, digest, sig []byte) bool {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest, sig)
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig) == nil
	case ed25519.PublicKey:
		return ed25519.Verify(k, digest, sig)
	default:
		return false
	}
}

func algorithmName(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA-" + k.Curve.Params().Name
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", k.N.BitLen())
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return "unknown"
	}
}

func publicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
