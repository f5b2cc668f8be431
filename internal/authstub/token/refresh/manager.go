package refresh

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jrsteele09/go-learn-session/internal/errors"
)

const defaultTokenLength = 32 // bytes, 256 bits

// Manager handles refresh token creation, validation, and rotation
type Manager struct {
	repo        Repo
	expiry      time.Duration
	tokenLength int
	nowFunc     func() time.Time
}

type Option func(*Manager)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

func WithTokenLength(n int) Option {
	return func(m *Manager) { m.tokenLength = n }
}

func NewManager(repo Repo, expiry time.Duration, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		expiry:      expiry,
		tokenLength: defaultTokenLength,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create generates a new refresh token for userID and stores it. A user may
// hold several tokens at once, one per signed-in client.
func (m *Manager) Create(userID string) (*string, error) {
	tokenBytes := make([]byte, m.tokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	tokenStr := hex.EncodeToString(tokenBytes)
	if err := m.repo.Upsert(&StoredRefreshToken{
		Token:  tokenStr,
		UserID: userID,
		Iat:    m.nowFunc(),
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &tokenStr, nil
}

// Consume validates token and deletes it, so each refresh token is usable
// exactly once. The caller issues the replacement.
func (m *Manager) Consume(token string) (*StoredRefreshToken, error) {
	rt, err := m.repo.Get(token)
	if err != nil {
		return nil, errors.ErrInvalidRefreshToken
	}
	if err := m.repo.Delete(token); err != nil {
		// lost a race with another consumer of the same token
		return nil, errors.ErrInvalidRefreshToken
	}
	if m.IsExpired(rt) {
		return nil, errors.ErrRefreshTokenExpired
	}
	return rt, nil
}

// Delete removes a refresh token from storage
func (m *Manager) Delete(token string) error {
	return m.repo.Delete(token)
}

// RevokeUser deletes every refresh token held by userID.
func (m *Manager) RevokeUser(userID string) (int, error) {
	return m.repo.DeleteByUserID(userID)
}

func (m *Manager) IsExpired(rt *StoredRefreshToken) bool {
	return m.nowFunc().Sub(rt.Iat) > m.expiry
}
