package jwtkit

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type RSAValidator struct {
	PublicKey *rsa.PublicKey
}

func (v *RSAValidator) Validate(tokenStr string) (jwt.MapClaims, error) {
	return parse[*jwt.SigningMethodRSA](tokenStr, v.PublicKey)
}

// LoadPublicKey reads a PEM encoded RSA key in PKCS#1 or PKIX form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path, "public key")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}
	return key, nil
}
