package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"aio-proxy/work/config"
	"aio-proxy/work/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookie is the name of the signed session cookie.
const SessionCookie = "aio_session"

// ErrBadCredentials is returned for unknown emails and wrong passwords
// alike; login failures are deliberately indistinguishable.
var ErrBadCredentials = errors.New("invalid email or password")

// Service owns accounts and sessions. Sessions are in-memory (token to user
// id in an xsync map) and die with the process; the signed cookie only
// proves the token came from us, the map decides whether it is still live.
type Service struct {
	store    *Store                       // Persistent user accounts
	sessions *xsync.MapOf[string, string] // Session token -> user id
	secret   []byte                       // HMAC key for cookie signatures
	secure   bool                         // Mark cookies Secure
}

// NewService wires the auth service over a user store. An empty configured
// secret gets a random one, which invalidates cookies across restarts but
// never ships a signable default.
func NewService(cfg *config.Config, store *Store) *Service {
	secret := []byte(cfg.CookieSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Error("{auth/auth.go - NewService} secret generation failed: %v", err)
		}
		logger.Warn("{auth/auth.go - NewService} no cookie secret configured, sessions will not survive restarts")
	}
	return &Service{
		store:    store,
		sessions: xsync.NewMapOf[string, string](),
		secret:   secret,
		secure:   cfg.CookieSecure,
	}
}

// Signup creates an account and opens a session for it.
func (s *Service) Signup(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, "", errors.New("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	u := &User{ID: uuid.NewString(), Email: email, Hash: string(hash)}
	if err := s.store.CreateUser(u); err != nil {
		return nil, "", err
	}
	return u, s.openSession(u.ID), nil
}

// Login verifies credentials and opens a session.
func (s *Service) Login(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.store.UserByEmail(email)
	if err != nil {
		return nil, "", err
	}
	if u == nil {
		return nil, "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}
	return u, s.openSession(u.ID), nil
}

// Guest creates a throwaway account with a session and no credentials.
func (s *Service) Guest() (*User, string, error) {
	u := &User{ID: uuid.NewString(), Guest: true}
	if err := s.store.CreateUser(u); err != nil {
		return nil, "", err
	}
	return u, s.openSession(u.ID), nil
}

// Logout drops the session behind the request's cookie, if any.
func (s *Service) Logout(r *http.Request) {
	if token, ok := s.tokenFrom(r); ok {
		s.sessions.Delete(token)
	}
}

// Delete removes the account behind the request's session and the session
// itself. Idempotent: a second delete of the same (guest) account succeeds.
func (s *Service) Delete(r *http.Request) error {
	token, ok := s.tokenFrom(r)
	if !ok {
		return nil
	}
	if userID, live := s.sessions.Load(token); live {
		if err := s.store.DeleteUser(userID); err != nil {
			return err
		}
	}
	s.sessions.Delete(token)
	return nil
}

// UserFrom resolves the request's session to its account. Returns nil for
// anonymous, expired, or tampered sessions.
func (s *Service) UserFrom(r *http.Request) *User {
	token, ok := s.tokenFrom(r)
	if !ok {
		return nil
	}
	userID, live := s.sessions.Load(token)
	if !live {
		return nil
	}
	u, err := s.store.UserByID(userID)
	if err != nil {
		logger.Error("{auth/auth.go - UserFrom} user lookup failed: %v", err)
		return nil
	}
	return u
}

// SetCookie attaches the session cookie for a freshly opened session.
func (s *Service) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token + "." + s.sign(token),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (s *Service) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// openSession mints a session token for a user id.
func (s *Service) openSession(userID string) string {
	token := uuid.NewString()
	s.sessions.Store(token, userID)
	return token
}

// tokenFrom extracts and verifies the session token from the request cookie.
func (s *Service) tokenFrom(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	token, sig, found := strings.Cut(c.Value, ".")
	if !found || token == "" {
		return "", false
	}
	expected := s.sign(token)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", false
	}
	return token, true
}

// sign computes the hex HMAC-SHA256 of a token under the service secret.
func (s *Service) sign(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
