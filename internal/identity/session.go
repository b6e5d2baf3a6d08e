package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wedplan/internal/cache"
	"wedplan/internal/core"
)

var (
	ErrNoSession      = errors.New("not signed in")
	ErrInvalidSession = errors.New("session token is invalid")
	ErrExpiredSession = errors.New("session token is expired")
)

const (
	DefaultCookieName = "wedplan_session"
	issuer            = "wedplan"

	defaultMaxRevoked = 10000
)

// Session is a signed-in browser session.
type Session struct {
	ID        string
	Identity  core.Identity
	ExpiresAt time.Time
}

type sessionClaims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

type SessionConfig struct {
	Secret     []byte
	TTL        time.Duration
	CookieName string
	Secure     bool
	// MaxRevoked bounds the signed-out session ids remembered in memory.
	MaxRevoked int
	Now        func() time.Time
}

// Sessions issues and verifies HS256 session tokens carried in a cookie.
type Sessions struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	secure     bool
	now        func() time.Time

	// revoked holds ids of signed-out sessions. An entry outlives the
	// token it blocks since its TTL is the full session lifetime.
	revoked *cache.LRUCache[struct{}]
}

func NewSessions(cfg SessionConfig) (*Sessions, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRevoked <= 0 {
		cfg.MaxRevoked = defaultMaxRevoked
	}
	return &Sessions{
		secret:     cfg.Secret,
		ttl:        cfg.TTL,
		cookieName: cfg.CookieName,
		secure:     cfg.Secure,
		now:        cfg.Now,
		revoked:    cache.NewLRUCache[struct{}](cfg.MaxRevoked, cfg.TTL).WithClock(cfg.Now),
	}, nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue signs a new session for id.
func (s *Sessions) Issue(id core.Identity) (Session, string, error) {
	if err := id.Validate(); err != nil {
		return Session{}, "", err
	}
	sid, err := newSessionID()
	if err != nil {
		return Session{}, "", fmt.Errorf("generate session id: %w", err)
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		Name:    id.DisplayName,
		Email:   id.Email,
		Picture: id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UID,
			ID:        sid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, "", fmt.Errorf("sign session: %w", err)
	}
	return Session{ID: sid, Identity: id, ExpiresAt: exp.Truncate(time.Second)}, token, nil
}

// Parse verifies token and returns its session.
func (s *Sessions) Parse(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoSession
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredSession
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Session{}, ErrInvalidSession
	}
	if _, signedOut := s.revoked.Get(claims.ID); signedOut {
		return Session{}, fmt.Errorf("%w: signed out", ErrInvalidSession)
	}
	return Session{
		ID: claims.ID,
		Identity: core.Identity{
			UID:         claims.Subject,
			DisplayName: claims.Name,
			Email:       claims.Email,
			AvatarURL:   claims.Picture,
		},
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke rejects the session's token from now on, in this process.
func (s *Sessions) Revoke(sess Session) {
	if sess.ID != "" {
		s.revoked.Set(sess.ID, struct{}{})
	}
}

// Revoked exposes the revocation list for periodic expiry sweeps.
func (s *Sessions) Revoked() cache.Cleaner { return s.revoked }

// FromRequest reads and verifies the session cookie.
func (s *Sessions) FromRequest(r *http.Request) (Session, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return Session{}, ErrNoSession
	}
	return s.Parse(c.Value)
}

func (s *Sessions) SetCookie(w http.ResponseWriter, token string, sess Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(sess.ExpiresAt.Sub(s.now()).Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
