package jwtkit

import (
	"github.com/golang-jwt/jwt/v5"
)

type HMAC256Validator struct {
	Secret []byte
}

func (tv *HMAC256Validator) Validate(tokenStr string) (jwt.MapClaims, error) {
	return parse[*jwt.SigningMethodHMAC](tokenStr, tv.Secret)
}
