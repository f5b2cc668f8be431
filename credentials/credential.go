package credentials

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-learn-session/internal/utils"
	"golang.org/x/oauth2"
)

// ErrIncompleteCredential is returned when only one half of a pair is supplied.
var ErrIncompleteCredential = errors.New("credential pair must carry both access and refresh tokens")

// Credential is the access/refresh pair issued by the auth service.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// IsZero reports whether neither token is set.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Validate enforces the both-or-neither rule.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.AccessToken) == "" || strings.TrimSpace(c.RefreshToken) == "" {
		return ErrIncompleteCredential
	}
	return nil
}

// SamePair compares the token values only.
func (c Credential) SamePair(o Credential) bool {
	return c.AccessToken == o.AccessToken && c.RefreshToken == o.RefreshToken
}

// Token converts the credential to an oauth2 token.
func (c Credential) Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    tokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry(),
	}
}

// SetAuthHeader attaches the access token as a bearer authorization header.
func (c Credential) SetAuthHeader(r *http.Request) {
	c.Token().SetAuthHeader(r)
}

// Expiry returns ExpiresAt, falling back to the exp claim when the access
// token is a JWT. Opaque tokens without ExpiresAt report the zero time.
func (c Credential) Expiry() time.Time {
	if !c.ExpiresAt.IsZero() {
		return c.ExpiresAt
	}
	exp, err := accessTokenExpiry(c.AccessToken)
	if err != nil {
		return time.Time{}
	}
	return exp
}

// ExpiredAt reports whether the access token is known to be expired at now.
func (c Credential) ExpiredAt(now time.Time) bool {
	exp := c.Expiry()
	return !exp.IsZero() && !now.Before(exp)
}

// FromToken converts an oauth2 token into a credential.
func FromToken(t *oauth2.Token) Credential {
	if t == nil {
		return Credential{}
	}
	return Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
	}
}

// The signature is not checked; the client only needs the hint.
func accessTokenExpiry(raw string) (time.Time, error) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, errors.New("not a jwt")
	}
	token, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("no exp claim")
	}
	return exp.Time, nil
}

// TokenResponse is the body returned by the login and refresh endpoints.
type TokenResponse struct {
	// AccessToken is the short-lived token used as "Authorization: Bearer <access_token>".
	AccessToken *string `json:"access_token,omitempty"`

	// TokenType indicates how to use the access token (always "bearer" in this implementation).
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Note: This is a hint - actual expiration is in the JWT's "exp" claim
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken is an opaque token used to obtain new access tokens. It rotates on each use.
	RefreshToken *string `json:"refresh_token,omitempty"`

	// Scope indicates the access token's granted permissions.
	Scope string `json:"scope,omitempty"`
}

// Credential converts the response, rejecting half pairs.
func (r TokenResponse) Credential(now time.Time) (Credential, error) {
	c := Credential{
		AccessToken:  utils.Value(r.AccessToken),
		RefreshToken: utils.Value(r.RefreshToken),
		TokenType:    r.TokenType,
	}
	if r.ExpiresIn > 0 {
		c.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}
