package jwtkit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	name      string
	signer    Signer
	validator Validator
	forged    Validator
}

func keyPairs(t *testing.T) []keyPair {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return []keyPair{
		{
			name:      "hmac256",
			signer:    &HMAC256Signer{Secret: []byte("correct-secret")},
			validator: &HMAC256Validator{Secret: []byte("correct-secret")},
			forged:    &HMAC256Validator{Secret: []byte("wrong-secret")},
		},
		{
			name:      "rsa",
			signer:    &RSASigner{PrivateKey: priv},
			validator: &RSAValidator{PublicKey: &priv.PublicKey},
			forged:    &RSAValidator{PublicKey: &other.PublicKey},
		},
	}
}

func TestSignAndValidate(t *testing.T) {
	for _, pair := range keyPairs(t) {
		t.Run(pair.name, func(t *testing.T) {
			t.Run("should round trip claims", func(t *testing.T) {
				// Arrange
				claims := jwt.MapClaims{"sub": "emulator", "scopes": "pubsublite::proj"}

				// Act
				token, err := pair.signer.CreateToken(claims, time.Minute)
				require.NoError(t, err)
				validated, err := pair.validator.Validate(token)

				// Assert
				require.NoError(t, err)
				assert.Equal(t, "pubsublite::proj", validated["scopes"])
				assert.Contains(t, validated, "exp")
				assert.NotContains(t, claims, "exp")
			})

			t.Run("should reject expired tokens", func(t *testing.T) {
				token, err := pair.signer.CreateToken(jwt.MapClaims{"sub": "late"}, -time.Minute)
				require.NoError(t, err)

				_, err = pair.validator.Validate(token)

				assert.ErrorContains(t, err, "token is expired")
			})

			t.Run("should reject foreign signatures", func(t *testing.T) {
				token, err := pair.signer.CreateToken(jwt.MapClaims{"sub": "forged"}, time.Minute)
				require.NoError(t, err)

				_, err = pair.forged.Validate(token)

				assert.ErrorContains(t, err, "signature is invalid")
			})
		})
	}

	t.Run("should not accept an hmac token where rsa is expected", func(t *testing.T) {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		token, err := (&HMAC256Signer{Secret: []byte("s")}).CreateToken(jwt.MapClaims{}, time.Minute)
		require.NoError(t, err)

		_, err = (&RSAValidator{PublicKey: &priv.PublicKey}).Validate(token)

		assert.Error(t, err)
	})
}

func TestValidateStandardClaims(t *testing.T) {
	now := float64(time.Now().Unix())

	t.Run("should require an expiry", func(t *testing.T) {
		assert.ErrorContains(t, ValidateStandardClaims(jwt.MapClaims{}), "expiration claim missing")
	})

	t.Run("should reject tokens not yet valid", func(t *testing.T) {
		err := ValidateStandardClaims(jwt.MapClaims{"exp": now + 60, "nbf": now + 30})
		assert.ErrorContains(t, err, "not valid yet")
	})

	t.Run("should accept a current token", func(t *testing.T) {
		assert.NoError(t, ValidateStandardClaims(jwt.MapClaims{"exp": now + 60, "iat": now}))
	})
}

func TestLoadKeys(t *testing.T) {
	t.Run("should load PKCS1 pem files", func(t *testing.T) {
		// Arrange
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		dir := t.TempDir()
		privPath := filepath.Join(dir, "key.pem")
		pubPath := filepath.Join(dir, "key.pub.pem")
		require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), 0o600))
		require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)}), 0o600))

		// Act
		loadedPriv, err := LoadPrivateKey(privPath)
		require.NoError(t, err)
		loadedPub, err := LoadPublicKey(pubPath)
		require.NoError(t, err)

		// Assert
		assert.True(t, priv.Equal(loadedPriv))
		assert.True(t, priv.PublicKey.Equal(loadedPub))
	})

	t.Run("should load PKCS8 and PKIX pem files", func(t *testing.T) {
		// Arrange
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		require.NoError(t, err)
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)
		dir := t.TempDir()
		privPath := filepath.Join(dir, "key.pem")
		pubPath := filepath.Join(dir, "key.pub.pem")
		require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
		require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

		// Act
		loadedPriv, err := LoadPrivateKey(privPath)
		require.NoError(t, err)
		loadedPub, err := LoadPublicKey(pubPath)
		require.NoError(t, err)

		// Assert
		assert.True(t, priv.Equal(loadedPriv))
		assert.True(t, priv.PublicKey.Equal(loadedPub))
	})

	t.Run("should reject files without a pem block", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk")
		require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))

		_, err := LoadPublicKey(path)

		assert.ErrorContains(t, err, "no PEM block")
	})
}
