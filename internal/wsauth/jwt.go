// Package wsauth validates the JWT presented on a glasses or app websocket
// upgrade and maps failures onto the wire error taxonomy (§7.2:
// INVALID_JWT, JWT_SIGNATURE_FAILED). Authentication happens once, at
// upgrade time — the session core itself never re-validates a token for
// the lifetime of a connection.
//
// Grounded on internal/auth/jwt_validator.go from the EternisAI
// enchanted-proxy example: JWKS-backed golang-jwt/v4 verification with a
// permissive dev-mode fallback, adapted here to extract a userId claim
// instead of a generic subject.
package wsauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/glasses-os/session-core/internal/wire"
)

// Claims is the minimal claim set the session core relies on.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// Validator verifies a glasses/app connection token and extracts the
// owning userId.
type Validator interface {
	Validate(ctx context.Context, tokenString string) (userID string, err error)
}

// JWKSValidator verifies RS256-signed tokens against a JSON Web Key Set
// fetched from jwksURL. DevMode, when true, decodes the token without
// verifying its signature — wired only behind an explicit config flag,
// never a default.
type JWKSValidator struct {
	keySet  jwk.Set
	devMode bool
}

// NewJWKSValidator fetches jwksURL once at startup. An empty jwksURL opts
// into DevMode.
func NewJWKSValidator(ctx context.Context, jwksURL string) (*JWKSValidator, error) {
	if jwksURL == "" {
		return &JWKSValidator{devMode: true}, nil
	}
	keySet, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("wsauth: fetch JWKS: %w", err)
	}
	return &JWKSValidator{keySet: keySet}, nil
}

// Validate parses and verifies tokenString, returning a *wire.WireError
// (INVALID_JWT for a malformed/expired token, JWT_SIGNATURE_FAILED for a
// verifiable-but-wrongly-signed one) on failure.
func (v *JWKSValidator) Validate(ctx context.Context, tokenString string) (string, error) {
	if v.devMode {
		claims := &Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return "", wire.NewCloseError(wire.ErrInvalidJWT, err.Error())
		}
		if claims.UserID == "" {
			return "", wire.NewCloseError(wire.ErrInvalidJWT, "token missing userId claim")
		}
		return claims.UserID, nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		if err == jwt.ErrSignatureInvalid {
			return "", wire.NewCloseError(wire.ErrJWTSignatureFail, "signature verification failed")
		}
		return "", wire.NewCloseError(wire.ErrInvalidJWT, err.Error())
	}
	if !token.Valid || claims.UserID == "" {
		return "", wire.NewCloseError(wire.ErrInvalidJWT, "token invalid or missing userId claim")
	}
	return claims.UserID, nil
}

func (v *JWKSValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("wsauth: token missing kid header")
	}
	key, ok := v.keySet.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("wsauth: unknown key id %q", kid)
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("wsauth: materialize key: %w", err)
	}
	return raw, nil
}

// RefreshKeys re-fetches the JWKS, used on a periodic ticker by callers
// that want to pick up key rotation without a restart.
func (v *JWKSValidator) RefreshKeys(ctx context.Context, jwksURL string) error {
	keySet, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return fmt.Errorf("wsauth: refresh JWKS: %w", err)
	}
	v.keySet = keySet
	return nil
}
