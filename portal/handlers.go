package portal

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-learn-session/guard"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/jrsteele09/go-learn-session/users"
)

const contentTypeHTML = "text/html; charset=utf-8"

type homePageData struct {
	AppName   string
	LoginPath string
	State     session.State
}

// LoginPageData contains data for rendering the login page
type LoginPageData struct {
	LoginPath string
	Next      string
	Email     string // Preserve email on error
	Error     string
}

// Course is the catalogue entry returned by the collaborator API.
type Course struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Teacher string `json:"teacher"`
	Lessons int    `json:"lessons"`
}

type lessonRequest struct {
	CourseID string `json:"course_id"`
	Topic    string `json:"topic"`
}

// SessionView is the JSON body of GET /session.
type SessionView struct {
	Status  string         `json:"status"`
	Loading bool           `json:"loading"`
	Role    users.Role     `json:"role,omitempty"`
	User    *users.Profile `json:"user,omitempty"`
}

func (p *Portal) homeHandler(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, p.homeTmpl, homePageData{
		AppName:   p.appName,
		LoginPath: p.loginPath,
		State:     p.session.State(),
	})
}

func (p *Portal) loginPageHandler(w http.ResponseWriter, r *http.Request) {
	if p.session.State().IsAuthenticated() {
		http.Redirect(w, r, guard.ReturnTo(r, p.homePath), http.StatusSeeOther)
		return
	}
	p.render(w, http.StatusOK, p.loginTmpl, LoginPageData{
		LoginPath: p.loginPath,
		Next:      p.nextParam(r),
	})
}

func (p *Portal) loginSubmitHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	req := session.LoginRequest{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}

	if err := p.session.Login(r.Context(), req); err != nil {
		status, msg := loginFailure(err)
		p.logger.Info().Err(err).Str("email", req.Email).Int("status", status).Msg("portal login failed")
		p.render(w, status, p.loginTmpl, LoginPageData{
			LoginPath: p.loginPath,
			Next:      p.nextParam(r),
			Email:     req.Email,
			Error:     msg,
		})
		return
	}
	http.Redirect(w, r, guard.ReturnTo(r, p.homePath), http.StatusSeeOther)
}

// loginFailure maps a Login error to the status and message shown on the form.
func loginFailure(err error) (int, string) {
	var ve *httpclient.ValidationError
	switch {
	case errors.Is(err, session.ErrInvalidLogin):
		return http.StatusBadRequest, "Enter a valid email address and password."
	case errors.Is(err, httpclient.ErrUnauthorized):
		return http.StatusUnauthorized, "Incorrect email or password."
	case errors.As(err, &ve):
		if ve.Message != "" {
			return ve.StatusCode, ve.Message
		}
		return ve.StatusCode, http.StatusText(ve.StatusCode)
	case errors.Is(err, httpclient.ErrNetwork), errors.Is(err, httpclient.ErrServer):
		return http.StatusBadGateway, "The sign-in service is unavailable. Try again shortly."
	default:
		return http.StatusInternalServerError, "Sign-in failed."
	}
}

func (p *Portal) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := p.session.Logout(r.Context()); err != nil {
		p.logger.Warn().Err(err).Msg("portal logout")
	}
	http.Redirect(w, r, p.loginPath, http.StatusSeeOther)
}

func (p *Portal) sessionHandler(w http.ResponseWriter, r *http.Request) {
	s := p.session.State()
	view := SessionView{Status: s.Status.String(), Loading: s.IsLoading()}
	if s.IsAuthenticated() {
		profile := s.Profile
		view.Role = s.Role
		view.User = &profile
	}
	writeJSON(w, http.StatusOK, view)
}

func (p *Portal) studentCoursesHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := p.api.Request(r.Context(), http.MethodGet, apiCourses, nil)
	if err != nil {
		p.apiFailure(w, r, err)
		return
	}
	var courses []Course
	if err := resp.Decode(&courses); err != nil {
		p.apiFailure(w, r, err)
		return
	}
	p.render(w, http.StatusOK, p.coursesTmpl, struct{ Courses []Course }{courses})
}

func (p *Portal) teacherHomeHandler(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, p.teacherTmpl, nil)
}

// generateLessonHandler accepts a form or JSON body and relays the draft.
func (p *Portal) generateLessonHandler(w http.ResponseWriter, r *http.Request) {
	var req lessonRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse request body", http.StatusBadRequest)
			return
		}
	} else {
		req.CourseID = r.PostFormValue("course_id")
		req.Topic = r.PostFormValue("topic")
	}

	resp, err := p.api.Request(r.Context(), http.MethodPost, apiAILessons, req, httpclient.WithTimeout(p.longTimeout))
	if err != nil {
		p.apiFailure(w, r, err)
		return
	}
	relay(w, resp)
}

func (p *Portal) adminUsersHandler(w http.ResponseWriter, r *http.Request) {
	path := apiAdminUsers
	if q := r.URL.Query(); len(q) > 0 {
		path += "?" + url.Values{"offset": {q.Get("offset")}, "limit": {q.Get("limit")}}.Encode()
	}
	resp, err := p.api.Request(r.Context(), http.MethodGet, path, nil)
	if err != nil {
		p.apiFailure(w, r, err)
		return
	}
	relay(w, resp)
}

// apiFailure renders a collaborator error. A session that could not be
// recovered sends the user to the login page; everything else is shown
// as reported.
func (p *Portal) apiFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *httpclient.ValidationError
		se *httpclient.ServerError
	)
	switch {
	case errors.Is(err, httpclient.ErrUnauthorized):
		target := p.loginPath + "?" + url.Values{guard.NextParam: {r.URL.RequestURI()}}.Encode()
		http.Redirect(w, r, target, http.StatusSeeOther)
	case errors.As(err, &ve):
		writeJSONError(w, ve.Code, ve.Error(), ve.StatusCode)
	case errors.As(err, &se):
		writeJSONError(w, "upstream_error", se.Error(), http.StatusBadGateway)
	case errors.Is(err, httpclient.ErrTimeout):
		writeJSONError(w, "upstream_timeout", err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, httpclient.ErrNetwork):
		writeJSONError(w, "upstream_unreachable", err.Error(), http.StatusBadGateway)
	default:
		p.logger.Error().Err(err).Str("path", r.URL.Path).Msg("portal request failed")
		writeJSONError(w, "server_error", "Request failed", http.StatusInternalServerError)
	}
}

func (p *Portal) nextParam(r *http.Request) string {
	next := guard.ReturnTo(r, "")
	if next == p.homePath {
		return ""
	}
	return next
}

func (p *Portal) render(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", contentTypeHTML)
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		p.logger.Err(err).Str("template", tmpl.Name()).Msg("Failed to render template")
	}
}

func relay(w http.ResponseWriter, resp *httpclient.Response) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	if errorCode == "" {
		errorCode = "request_failed"
	}
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
