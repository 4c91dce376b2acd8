package jwtkit

import (
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator verifies a token's signature and standard claims.
type Validator interface {
	Validate(tokenStr string) (jwt.MapClaims, error)
}

// ValidateStandardClaims validates exp, nbf, and iat claims inside jwt.MapClaims.
// It returns an error if any are invalid or missing (for exp).
func ValidateStandardClaims(claims jwt.MapClaims) error {
	now := time.Now().Unix()

	// Require and check "exp"
	if exp, ok := claims["exp"].(float64); ok {
		if now > int64(exp) {
			return fmt.Errorf("token has expired")
		}
	} else {
		return fmt.Errorf("expiration claim missing or invalid")
	}

	// Optional: "nbf" (not before)
	if nbf, ok := claims["nbf"].(float64); ok {
		if now < int64(nbf) {
			return fmt.Errorf("token not valid yet")
		}
	}

	// Optional: "iat" (issued at)
	if iat, ok := claims["iat"].(float64); ok {
		if now < int64(iat) {
			return fmt.Errorf("token issued in the future")
		}
	}

	return nil
}

// withLifetime copies claims and stamps iat and exp for a token valid for ttl.
func withLifetime(claims jwt.MapClaims, ttl time.Duration) jwt.MapClaims {
	stamped := maps.Clone(claims)
	if stamped == nil {
		stamped = jwt.MapClaims{}
	}
	now := time.Now()
	stamped["iat"] = now.Unix()
	stamped["exp"] = now.Add(ttl).Unix()
	return stamped
}

// parse verifies tokenStr with key, accepting only signing methods of kind M.
func parse[M jwt.SigningMethod](tokenStr string, key any) (jwt.MapClaims, error) {
	// Initialize parser with strict decoding
	parser := jwt.NewParser(jwt.WithStrictDecoding(), jwt.WithIssuedAt())

	token, err := parser.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(M); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if err := ValidateStandardClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}
