// Package authstubtest starts the auth stub on an httptest server with a
// student, a teacher and an admin account.
package authstubtest

import (
	"net/http/httptest"
	"testing"

	"github.com/jrsteele09/go-learn-session/internal/authstub"
	"github.com/jrsteele09/go-learn-session/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	Password = "Passw0rdOK"

	StudentEmail = "student@learn.test"
	TeacherEmail = "teacher@learn.test"
	AdminEmail   = "admin@learn.test"
)

type Fixture struct {
	Stub *authstub.Server
	HTTP *httptest.Server
	URL  string
}

// New starts a stub that is closed when the test ends.
func New(t testing.TB, opts ...authstub.Option) *Fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Env = "TEST"
	cfg.Stub.Users = []config.StubUser{
		{Email: StudentEmail, Password: Password, FirstName: "Sam", LastName: "Student", Roles: []string{"student:"}},
		{Email: TeacherEmail, Password: Password, FirstName: "Tess", LastName: "Teacher", Roles: []string{"teacher:"}},
		{Email: AdminEmail, Password: Password, FirstName: "Ada", LastName: "Admin", Roles: []string{"admin:owner"}},
	}

	opts = append([]authstub.Option{authstub.WithLogger(zerolog.Nop())}, opts...)
	stub, err := authstub.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(stub.Close)

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	return &Fixture{Stub: stub, HTTP: srv, URL: srv.URL}
}
