// Package security resolves session users and performs unlock and logout.
package security

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
)

// User is a directory entry. PasswordHash is a bcrypt hash.
type User struct {
	Name         string `yaml:"name" json:"name"`
	FullName     string `yaml:"full_name" json:"full_name"`
	Domain       string `yaml:"domain" json:"domain"`
	PasswordHash string `yaml:"password_hash" json:"-"`
}

// Identity renders "Full Name@domain", falling back to the login name.
func (u User) Identity() string {
	name := u.FullName
	if name == "" {
		name = u.Name
	}
	if u.Domain == "" {
		return name
	}
	return name + "@" + u.Domain
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Directory is a read-only set of users keyed by case-insensitive name.
type Directory struct {
	users map[string]User
}

func NewDirectory(users []User) *Directory {
	d := &Directory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[strings.ToLower(u.Name)] = u
	}
	return d
}

// Len is the number of users. An empty directory accepts any user name.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.users)
}

// Lookup returns the user for name.
func (d *Directory) Lookup(name string) (User, bool) {
	if d == nil {
		return User{}, false
	}
	u, ok := d.users[strings.ToLower(strings.TrimSpace(name))]
	return u, ok
}

// Resolve returns the directory entry for name. With an empty directory any
// non-empty name resolves to a bare user; otherwise unknown names are denied.
func (d *Directory) Resolve(name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("security: missing user: %w", werrors.ErrDenied)
	}
	if d.Len() == 0 {
		return User{Name: name}, nil
	}
	u, ok := d.Lookup(name)
	if !ok {
		return User{}, fmt.Errorf("security: unknown user %q: %w", name, werrors.ErrDenied)
	}
	return u, nil
}

// CheckPassword reports whether password matches u's hash.
func CheckPassword(u User, password string) bool {
	if u.PasswordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// LogoutRequest is passed to the logout hook.
type LogoutRequest struct {
	Force    bool
	Redirect string
	Reason   string
}

// Service is the per-session security service.
type Service struct {
	user     User
	onLogout func(LogoutRequest)
	logger   zerolog.Logger

	once      sync.Once
	loggedOut atomic.Bool
}

// NewService binds a service to an authenticated user. onLogout runs once,
// on the first Logout.
func NewService(user User, onLogout func(LogoutRequest), logger zerolog.Logger) *Service {
	return &Service{
		user:     user,
		onLogout: onLogout,
		logger:   logger.With().Str("component", "security").Str("user", user.Name).Logger(),
	}
}

// Logout ends the session. Only the first call has an effect; later calls
// return ErrLoggingOut.
func (s *Service) Logout(force bool, redirect, reason string) error {
	err := fmt.Errorf("security: %w", werrors.ErrLoggingOut)
	s.once.Do(func() {
		err = nil
		s.loggedOut.Store(true)
		s.logger.Info().Bool("force", force).Str("reason", reason).Msg("user logged out")
		if s.onLogout != nil {
			s.onLogout(LogoutRequest{Force: force, Redirect: redirect, Reason: reason})
		}
	})
	return err
}

// LoggedOut reports whether Logout ran.
func (s *Service) LoggedOut() bool { return s.loggedOut.Load() }

// ValidatePassword checks password against the session user.
func (s *Service) ValidatePassword(password string) bool {
	return CheckPassword(s.user, password)
}

// AuthenticatedIdentity returns the session user's identity string.
func (s *Service) AuthenticatedIdentity() (string, bool) {
	if s.user.Name == "" {
		return "", false
	}
	return s.user.Identity(), true
}

// User returns the session user.
func (s *Service) User() User { return s.user }
