package authstub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/internal/errors"
	"github.com/jrsteele09/go-learn-session/users"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the token pair plus the basic identity of the user.
type LoginResponse struct {
	credentials.TokenResponse
	User users.Profile `json:"user"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Course is the summary returned by the course catalogue.
type Course struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Teacher string `json:"teacher"`
	Lessons int    `json:"lessons"`
}

// LessonRequest asks the AI generator for a lesson draft.
type LessonRequest struct {
	CourseID string `json:"course_id"`
	Topic    string `json:"topic"`
}

// Lesson is a generated lesson draft.
type Lesson struct {
	ID       string    `json:"id"`
	CourseID string    `json:"course_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Created  time.Time `json:"created"`
}

var catalogue = []Course{
	{ID: "algebra-1", Title: "Algebra I", Teacher: "Ms Rivera", Lessons: 12},
	{ID: "biology-intro", Title: "Introduction to Biology", Teacher: "Mr Okafor", Lessons: 9},
	{ID: "world-history", Title: "World History", Teacher: "Mrs Chen", Lessons: 15},
}

// LoginHandler exchanges email and password for a credential pair.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse request body", http.StatusBadRequest)
			return
		}

		fields := map[string]string{}
		if strings.TrimSpace(req.Email) == "" {
			fields["email"] = "required"
		}
		if req.Password == "" {
			fields["password"] = "required"
		}
		if len(fields) > 0 {
			writeJSONFieldError(w, "invalid_request", "Email and password are required", fields, http.StatusBadRequest)
			return
		}

		user, err := s.users.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
		if err != nil || !users.CheckPasswordHash(req.Password, user.PasswordHash) {
			writeJSONError(w, "invalid_credentials", errors.ErrInvalidCredentials.Error(), http.StatusUnauthorized)
			return
		}
		if user.Blocked {
			writeJSONError(w, "account_locked", errors.ErrUserBlocked.Error(), http.StatusForbidden)
			return
		}

		tokenResponse, err := s.tokens.GenerateTokenResponse(user)
		if err != nil {
			s.logger.Error().Err(err).Str("email", user.Email).Msg("generate token response")
			writeJSONError(w, "server_error", "Failed to issue tokens", http.StatusInternalServerError)
			return
		}
		updated := *user
		updated.LastLogin = time.Now().UTC()
		_ = s.users.Upsert(&updated)

		writeJSON(w, http.StatusOK, LoginResponse{TokenResponse: *tokenResponse, User: user.Profile()})
	}
}

// RefreshHandler rotates a refresh token into a new credential pair.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		if d := s.RefreshDelay(); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}

		var req refreshTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeJSONError(w, "invalid_request", "refresh_token is required", http.StatusBadRequest)
			return
		}
		if s.rejectRefresh.Load() {
			s.tokens.RevokeRefreshToken(req.RefreshToken)
			writeJSONError(w, "invalid_grant", errors.ErrInvalidRefreshToken.Error(), http.StatusUnauthorized)
			return
		}

		tokenResponse, err := s.tokens.Refresh(req.RefreshToken)
		if err != nil {
			writeJSONError(w, "invalid_grant", err.Error(), http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse)
	}
}

// ProfileHandler returns the profile of the token's subject.
func (s *Server) ProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.profileCalls.Add(1)
		if status := int(s.failProfile.Load()); status != 0 {
			writeJSONError(w, "stub_failure", http.StatusText(status), status)
			return
		}

		info := introspectionFrom(r.Context())
		user, err := s.users.GetByID(info.Sub)
		if err != nil {
			writeJSONError(w, "not_found", errors.ErrUserNotFound.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, user.Profile())
	}
}

// LogoutHandler revokes the refresh token in the body and, when present,
// the bearer access token.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logoutCalls.Add(1)
		if s.failLogout.Load() {
			writeJSONError(w, "server_error", "logout unavailable", http.StatusServiceUnavailable)
			return
		}

		var req refreshTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "" {
			s.tokens.RevokeRefreshToken(req.RefreshToken)
		}
		if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			_ = s.tokens.RevokeAccessToken(raw)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) CoursesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, catalogue)
	}
}

// GenerateLessonHandler fakes the AI lesson generator.
func (s *Server) GenerateLessonHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LessonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Topic) == "" {
			writeJSONFieldError(w, "invalid_request", "A topic is required", map[string]string{"topic": "required"}, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, Lesson{
			ID:       uuid.NewString(),
			CourseID: req.CourseID,
			Title:    req.Topic,
			Body:     "Draft lesson on " + req.Topic + ".",
			Created:  time.Now().UTC(),
		})
	}
}

func (s *Server) AdminUsersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = 50
		}
		list, err := s.users.List(offset, limit)
		if err != nil {
			writeJSONError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}
		profiles := make([]users.Profile, 0, len(list))
		for _, u := range list {
			profiles = append(profiles, u.Profile())
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an OAuth2 style error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

func writeJSONFieldError(w http.ResponseWriter, errorCode, description string, fields map[string]string, statusCode int) {
	writeJSON(w, statusCode, map[string]any{
		"error":             errorCode,
		"error_description": description,
		"fields":            fields,
	})
}
