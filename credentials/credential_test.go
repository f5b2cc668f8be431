package credentials_test

import (
	"net/http"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestCredential(t *testing.T) {
	t.Run("auth header", func(t *testing.T) {
		r, err := http.NewRequest(http.MethodGet, "http://example.test/courses", nil)
		require.NoError(t, err)
		pairA.SetAuthHeader(r)
		require.Equal(t, "Bearer access-a", r.Header.Get("Authorization"))
	})

	t.Run("expiry from jwt claim", func(t *testing.T) {
		exp := time.Now().Add(time.Minute).Truncate(time.Second)
		raw, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"exp": exp.Unix()}).
			SignedString([]byte("secret"))
		require.NoError(t, err)

		c := credentials.Credential{AccessToken: raw, RefreshToken: "r"}
		require.True(t, c.Expiry().Equal(exp))
		require.False(t, c.ExpiredAt(time.Now()))
		require.True(t, c.ExpiredAt(exp.Add(time.Second)))
	})

	t.Run("opaque token has no expiry", func(t *testing.T) {
		require.True(t, pairA.Expiry().IsZero())
		require.False(t, pairA.ExpiredAt(time.Now()))
	})

	t.Run("oauth2 round trip", func(t *testing.T) {
		c := credentials.FromToken(pairA.Token())
		require.True(t, c.SamePair(pairA))
		require.Equal(t, "Bearer", c.TokenType)
	})
}

func TestTokenResponse(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("complete pair", func(t *testing.T) {
		resp := credentials.TokenResponse{
			AccessToken:  utils.Ptr("a"),
			RefreshToken: utils.Ptr("r"),
			ExpiresIn:    300,
		}
		c, err := resp.Credential(now)
		require.NoError(t, err)
		require.Equal(t, now.Add(5*time.Minute), c.ExpiresAt)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		_, err := credentials.TokenResponse{AccessToken: utils.Ptr("a")}.Credential(now)
		require.ErrorIs(t, err, credentials.ErrIncompleteCredential)
	})
}
