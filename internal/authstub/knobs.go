package authstub

import (
	"net/http"
	"time"
)

// RefreshCalls is the number of requests that reached the refresh endpoint.
func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// ProfileCalls is the number of authorized profile requests.
func (s *Server) ProfileCalls() int {
	return int(s.profileCalls.Load())
}

// LogoutCalls is the number of requests that reached the logout endpoint.
func (s *Server) LogoutCalls() int {
	return int(s.logoutCalls.Load())
}

// RevokeAccessTokens invalidates every access token issued so far, as if
// they had all expired. Refresh tokens stay valid.
func (s *Server) RevokeAccessTokens() int {
	return s.tokens.RevokeAllAccessTokens()
}

// RevokedTokens is the number of revoked access tokens not yet expired
// and swept.
func (s *Server) RevokedTokens() int {
	return s.tokens.RevokedCount()
}

// RejectRefresh makes the refresh endpoint reject every token while on.
func (s *Server) RejectRefresh(on bool) {
	s.rejectRefresh.Store(on)
}

// SetRefreshDelay holds each refresh request for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.knobMu.Lock()
	defer s.knobMu.Unlock()
	s.refreshDelay = d
}

func (s *Server) RefreshDelay() time.Duration {
	s.knobMu.RLock()
	defer s.knobMu.RUnlock()
	return s.refreshDelay
}

// FailLogout makes the logout endpoint answer 503 while on.
func (s *Server) FailLogout(on bool) {
	s.failLogout.Store(on)
}

// FailProfile makes the profile endpoint answer status. Zero restores
// normal behaviour.
func (s *Server) FailProfile(status int) {
	if status != 0 && (status < http.StatusBadRequest || status > 599) {
		status = http.StatusInternalServerError
	}
	s.failProfile.Store(int32(status))
}
