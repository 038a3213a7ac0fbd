package syncstore

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// connection auth for the sync endpoint. tokens are hs256 jwts signed
// with a secret shared between host and clients. the claims identify
// the client instance so the host can tag its logs

type ClientAuth struct {
	ClientId   Id
	AppVersion string
}

// SignClientToken mints a token a client presents in its auth frame
func SignClientToken(secret []byte, auth *ClientAuth, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"client_id":   auth.ClientId.String(),
		"app_version": auth.AppVersion,
		"iat":         now.Unix(),
	}
	if 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyClientToken checks the signature and expiry and returns the
// embedded client auth
func VerifyClientToken(secret []byte, tokenStr string) (*ClientAuth, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad claims")
	}

	auth := &ClientAuth{}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			auth.ClientId = clientId
		}
	}
	if appVersion, ok := claims["app_version"].(string); ok {
		auth.AppVersion = appVersion
	}
	return auth, nil
}
