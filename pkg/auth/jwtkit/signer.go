package jwtkit

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues tokens that expire ttl after they are created.
type Signer interface {
	CreateToken(claims jwt.MapClaims, ttl time.Duration) (string, error)
}

type HMAC256Signer struct {
	Secret []byte
}

func (s *HMAC256Signer) CreateToken(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, withLifetime(claims, ttl)).SignedString(s.Secret)
}

type RSASigner struct {
	PrivateKey *rsa.PrivateKey
}

func (s *RSASigner) CreateToken(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodRS256, withLifetime(claims, ttl)).SignedString(s.PrivateKey)
}

// LoadPrivateKey reads a PEM encoded RSA key in PKCS#1 or PKCS#8 form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path, "private key")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

func readPEM(path, what string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in " + what)
	}
	return block, nil
}
