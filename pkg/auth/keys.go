package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const keySize = 2048

// Keypair holds a freshly generated signing keypair, PEM-encoded for storage
// alongside the actor record.
type Keypair struct {
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// GenerateKeypair produces an RSA-2048 keypair for a newly provisioned local
// actor. Pure computation, no I/O; called once per actor.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes(&priv.PublicKey),
	})

	return &Keypair{
		PublicKeyPEM:  string(pubPEM),
		PrivateKeyPEM: string(privPEM),
	}, nil
}

func pubBytes(pub *rsa.PublicKey) []byte {
	// PKIX encoding; MarshalPKIXPublicKey only fails for unsupported key
	// types, which cannot happen for *rsa.PublicKey.
	b, _ := x509.MarshalPKIXPublicKey(pub)
	return b
}

// ParsePrivateKey decodes a PEM-encoded RSA private key.
func ParsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return priv, nil
	}

	// PKCS#8 fallback for keys imported from other software.
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key in either PKIX or
// PKCS#1 form; remote servers emit both.
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPub, nil
}
