package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/idtoken"

	"wedplan/internal/core"
	"wedplan/internal/storage/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestGoogleProviderSignIn(t *testing.T) {
	validator := func(_ context.Context, token, audience string) (*idtoken.Payload, error) {
		if audience != "client-123" {
			t.Fatalf("unexpected audience %q", audience)
		}
		if token != "good" {
			return nil, errors.New("idtoken: invalid token")
		}
		return &idtoken.Payload{
			Subject: "google-uid-1",
			Claims: map[string]interface{}{
				"name":    "Sam Rivera",
				"email":   "sam@example.com",
				"picture": "https://example.com/sam.png",
			},
		}, nil
	}
	p := NewGoogleProvider("client-123").WithValidator(validator)

	id, err := p.SignIn(context.Background(), " good ")
	if err != nil {
		t.Fatal(err)
	}
	want := core.Identity{UID: "google-uid-1", DisplayName: "Sam Rivera", Email: "sam@example.com", AvatarURL: "https://example.com/sam.png"}
	if id != want {
		t.Fatalf("got %+v, want %+v", id, want)
	}

	tests := []struct {
		credential string
		code       string
	}{
		{"", CodeMissingCredential},
		{"forged", CodeInvalidCredential},
	}
	for _, tt := range tests {
		_, err := p.SignIn(context.Background(), tt.credential)
		var perr *ProviderError
		if !errors.As(err, &perr) || perr.Code != tt.code {
			t.Fatalf("credential %q: got %v, want code %s", tt.credential, err, tt.code)
		}
	}
}

func TestDevProvider(t *testing.T) {
	id, err := DevProvider{}.SignIn(context.Background(), "dev:u1:Alex")
	if err != nil || id.UID != "u1" || id.DisplayName != "Alex" {
		t.Fatalf("unexpected identity %+v err=%v", id, err)
	}
	if _, err := (DevProvider{}).SignIn(context.Background(), "u1"); err == nil {
		t.Fatalf("expected rejection without dev prefix")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewSessions(SessionConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now)})
	if err != nil {
		t.Fatal(err)
	}

	id := core.Identity{UID: "u1", DisplayName: "Alex", Email: "a@example.com"}
	issued, token, err := s.Issue(id)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := s.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ID != issued.ID || parsed.Identity != id || !parsed.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("parsed %+v, issued %+v", parsed, issued)
	}
}

func TestSessionRejections(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s, _ := NewSessions(SessionConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now)})
	_, token, _ := s.Issue(core.Identity{UID: "u1"})

	later, _ := NewSessions(SessionConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now.Add(2 * time.Hour))})
	if _, err := later.Parse(token); !errors.Is(err, ErrExpiredSession) {
		t.Fatalf("expected expired, got %v", err)
	}

	other, _ := NewSessions(SessionConfig{Secret: []byte(strings.Repeat("x", 32)), Now: fixedClock(now)})
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if _, err := s.Parse(""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if _, err := NewSessions(SessionConfig{Secret: []byte("short")}); err == nil {
		t.Fatalf("short secret accepted")
	}
}

func TestRevokedSessionIsRejected(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	s, _ := NewSessions(SessionConfig{Secret: testSecret, TTL: time.Hour, Now: func() time.Time { return clock }})
	sess, token, _ := s.Issue(core.Identity{UID: "u1"})
	_, other, _ := s.Issue(core.Identity{UID: "u1"})

	s.Revoke(sess)
	if _, err := s.Parse(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("signed-out token accepted: %v", err)
	}
	if _, err := s.Parse(other); err != nil {
		t.Fatalf("other session of the same user rejected: %v", err)
	}

	// The entry is kept for as long as the token could still be valid.
	clock = now.Add(59 * time.Minute)
	s.Revoked().CleanExpired()
	if _, err := s.Parse(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("revocation dropped before expiry: %v", err)
	}
}

func TestRequireSession(t *testing.T) {
	s, _ := NewSessions(SessionConfig{Secret: testSecret})
	var seen Session
	h := RequireSession(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", rec.Code)
	}

	sess, token, _ := s.Issue(core.Identity{UID: "u1"})
	setter := httptest.NewRecorder()
	s.SetCookie(setter, token, sess)
	cookies := setter.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].HttpOnly {
		t.Fatalf("expected one HttpOnly cookie, got %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen.Identity.UID != "u1" {
		t.Fatalf("expected session in context, code=%d seen=%+v", rec.Code, seen)
	}
}

func TestServiceSignInUpsertsUser(t *testing.T) {
	store := memory.New()
	sessions, _ := NewSessions(SessionConfig{Secret: testSecret})
	svc := NewService(DevProvider{}, store, sessions, nil)

	sess, token, err := svc.SignIn(context.Background(), "dev:u1:Alex")
	if err != nil || token == "" || sess.Identity.UID != "u1" {
		t.Fatalf("sign in: %+v %v", sess, err)
	}
	u, ok, _ := store.GetUser(context.Background(), "u1")
	if !ok || u.DisplayName != "Alex" {
		t.Fatalf("user not upserted: %+v", u)
	}

	if _, _, err := svc.SignIn(context.Background(), "nope"); err == nil {
		t.Fatalf("expected provider error")
	}
}
