package users

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Role is the authorization category a user holds on the platform.
type Role string

const (
	RoleNone    Role = ""
	RoleStudent Role = "student" // Enrolls in courses, takes lessons and quizzes
	RoleTeacher Role = "teacher" // Authors courses, lessons and quizzes
	RoleAdmin   Role = "admin"   // Back-office access
)

// rolePriorities orders roles when a profile carries more than one claim.
var rolePriorities = map[Role]int{
	RoleAdmin:   3,
	RoleTeacher: 2,
	RoleStudent: 1,
}

// ParseRole maps a role claim to a Role. Claims are case-insensitive and may
// carry a qualifier after a colon ("admin:owner", "teacher:"), in which case
// only the prefix is significant. Unknown claims map to RoleNone.
func ParseRole(claim string) Role {
	claim = strings.ToLower(strings.TrimSpace(claim))
	if i := strings.IndexByte(claim, ':'); i >= 0 {
		claim = claim[:i]
	}
	switch Role(claim) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(claim)
	default:
		return RoleNone
	}
}

// HighestRole returns the highest-priority role found in claims.
func HighestRole(claims ...string) Role {
	best := RoleNone
	for _, c := range claims {
		r := ParseRole(c)
		if rolePriorities[r] > rolePriorities[best] {
			best = r
		}
	}
	return best
}

// Profile is the user record returned by the profile endpoint.
type Profile struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Role  string   `json:"role,omitempty"`  // Single role claim
	Roles []string `json:"roles,omitempty"` // Some deployments send every claim
}

// DerivedRole is the authorization role implied by the profile's claims.
func (p Profile) DerivedRole() Role {
	claims := make([]string, 0, len(p.Roles)+1)
	claims = append(claims, p.Role)
	claims = append(claims, p.Roles...)
	return HighestRole(claims...)
}

// DisplayName falls back to the email when no name was supplied.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Email
}

// User is the account record held by the remote service.
type User struct {
	ID           string    `json:"id,omitempty"`         // Unique identifier for the user
	Email        string    `json:"email,omitempty"`      // User's email address, also the login name
	PasswordHash string    `json:"-"`                    // Hashed version of the user's password - never serialize
	FirstName    string    `json:"first_name,omitempty"` // First name of the user
	LastName     string    `json:"last_name,omitempty"`  // Last name of the user
	Roles        []string  `json:"roles,omitempty"`      // Role claims, e.g. "teacher:" or "admin:owner"
	DateJoined   time.Time `json:"date_joined,omitempty"`
	LastLogin    time.Time `json:"last_login,omitempty"`
	Blocked      bool      `json:"blocked,omitempty"` // Blocked, has the user been blocked from logging in
}

// Profile projects the account onto the profile representation.
func (u *User) Profile() Profile {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return Profile{
		ID:    u.ID,
		Name:  name,
		Email: u.Email,
		Role:  string(HighestRole(u.Roles...)),
		Roles: append([]string(nil), u.Roles...),
	}
}

// HasRole checks the user's claims for the given role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if ParseRole(r) == role {
			return true
		}
	}
	return false
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}

	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
