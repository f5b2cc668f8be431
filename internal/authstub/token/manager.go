package token

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/internal/authstub/token/refresh"
	"github.com/jrsteele09/go-learn-session/internal/errors"
	"github.com/jrsteele09/go-learn-session/internal/utils"
	"github.com/jrsteele09/go-learn-session/users"
)

// TokenIntrospection is the verified content of an access token.
// When Active is false the other fields may not be populated.
type TokenIntrospection struct {
	Active bool      `json:"active"`          // True or false - Is the token valid
	Sub    string    `json:"sub,omitempty"`   // Users unique ID
	Roles  []string  `json:"roles,omitempty"` // Roles assigned to the User
	Exp    time.Time `json:"exp,omitempty"`   // Expiration
	Jti    string    `json:"jti,omitempty"`   // Unique token ID for revocation
}

type Manager struct {
	signer            Signer
	issuer            string
	refresh           *refresh.Manager
	userRepo          users.UserRepo
	revokedCache      RevokedTokenCache
	accessTokenExpiry time.Duration
	nowFunc           func() time.Time

	issuedLock sync.Mutex
	issued     map[string]time.Time // jti -> exp of every live access token
}

type ManagerOption func(*Manager)

func WithAccessTokenExpiry(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.accessTokenExpiry = d
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) {
		m.issuer = issuer
	}
}

func WithRevokedTokenCache(cache RevokedTokenCache) ManagerOption {
	return func(m *Manager) {
		m.revokedCache = cache
	}
}

func New(refreshManager *refresh.Manager, userRepo users.UserRepo, signer Signer, options ...ManagerOption) *Manager {
	m := &Manager{
		refresh:      refreshManager,
		userRepo:     userRepo,
		signer:       signer,
		revokedCache: NewInMemoryRevokedTokenCache(), // Default implementation
		issued:       make(map[string]time.Time),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.accessTokenExpiry == 0 {
		m.accessTokenExpiry = 5 * time.Minute
	}
	if m.nowFunc == nil {
		m.nowFunc = time.Now
	}
	return m
}

func (c *Manager) CreateAccessToken(user *users.User) (*string, error) {
	now := c.nowFunc()
	exp := now.Add(c.accessTokenExpiry)
	jti := uuid.New().String()

	claims := jwt.MapClaims{
		"iss":   c.issuer,
		"sub":   user.ID,
		"roles": user.Roles,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"jti":   jti,
	}

	signed, err := c.signer.Sign(claims)
	if err != nil {
		return nil, errors.Wrapf(err, "Manager.CreateAccessToken")
	}

	c.issuedLock.Lock()
	c.issued[jti] = exp
	c.issuedLock.Unlock()
	return &signed, nil
}

// GenerateTokenResponse issues a fresh access/refresh pair for user.
func (c *Manager) GenerateTokenResponse(user *users.User) (*credentials.TokenResponse, error) {
	if user.Blocked {
		return nil, errors.ErrUserBlocked
	}
	accessToken, err := c.CreateAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshToken, err := c.refresh.Create(user.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "Manager.GenerateTokenResponse CreateRefreshToken")
	}

	return &credentials.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int(c.accessTokenExpiry.Seconds()),
		RefreshToken: refreshToken,
	}, nil
}

// Refresh rotates refreshToken: the old token is consumed and a new pair
// issued.
func (c *Manager) Refresh(refreshToken string) (*credentials.TokenResponse, error) {
	rt, err := c.refresh.Consume(refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := c.userRepo.GetByID(rt.UserID)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUserNotFound, "user %s for refresh token", rt.UserID)
	}
	return c.GenerateTokenResponse(user)
}

// RevokeRefreshToken deletes refreshToken. Unknown tokens are ignored.
func (c *Manager) RevokeRefreshToken(refreshToken string) {
	_ = c.refresh.Delete(refreshToken)
}

// Introspection verifies rawToken and reports whether it is usable.
func (c *Manager) Introspection(rawToken string) (*TokenIntrospection, error) {
	if strings.TrimSpace(rawToken) == "" {
		return &TokenIntrospection{Active: false}, errors.ErrInvalidToken
	}

	token, err := jwt.Parse(rawToken, c.signer.GetVerificationKey,
		jwt.WithValidMethods([]string{c.signer.GetSigningMethod().Alg()}),
		jwt.WithTimeFunc(c.nowFunc),
	)
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return &TokenIntrospection{Active: false}, errors.ErrTokenExpired
		}
		return &TokenIntrospection{Active: false}, errors.Wrapf(errors.ErrInvalidToken, "%v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return &TokenIntrospection{Active: false}, errors.ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	jti, _ := claims["jti"].(string)
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}

	var roles []string
	if claimRoles, ok := claims["roles"].([]any); ok {
		roles = utils.ToStringSlice(claimRoles)
	}

	if jti != "" && c.revokedCache.IsRevoked(jti) {
		return &TokenIntrospection{Active: false, Sub: sub, Jti: jti}, errors.ErrTokenRevoked
	}

	return &TokenIntrospection{
		Active: true,
		Sub:    sub,
		Roles:  roles,
		Exp:    exp,
		Jti:    jti,
	}, nil
}

// RevokeAccessToken revokes an access token by its JTI
func (c *Manager) RevokeAccessToken(rawToken string) error {
	info, err := c.Introspection(rawToken)
	if err != nil {
		return err
	}
	return c.revokedCache.Add(info.Jti, info.Exp)
}

// RevokeAllAccessTokens revokes every access token issued so far, which
// makes the next call from any client fail with 401.
func (c *Manager) RevokeAllAccessTokens() int {
	c.issuedLock.Lock()
	defer c.issuedLock.Unlock()
	n := 0
	for jti, exp := range c.issued {
		_ = c.revokedCache.Add(jti, exp)
		delete(c.issued, jti)
		n++
	}
	return n
}

// RevokedCount is the number of revoked access tokens still tracked.
func (c *Manager) RevokedCount() int {
	return c.revokedCache.Len()
}

// CleanupRevokedTokens drops revoked and issued entries whose tokens have
// expired, since an expired token is rejected anyway.
func (c *Manager) CleanupRevokedTokens() {
	now := c.nowFunc()
	c.revokedCache.Cleanup(now)

	c.issuedLock.Lock()
	defer c.issuedLock.Unlock()
	for jti, exp := range c.issued {
		if now.After(exp) {
			delete(c.issued, jti)
		}
	}
}
