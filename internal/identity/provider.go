package identity

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"

	"wedplan/internal/core"
)

// Provider exchanges a sign-in credential for an identity.
type Provider interface {
	SignIn(ctx context.Context, credential string) (core.Identity, error)
}

// ProviderError is a sign-in failure as reported to the user: a stable code
// plus a human message.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return e.Code + ": " + e.Message
}

const (
	CodeMissingCredential = "auth/missing-credential"
	CodeInvalidCredential = "auth/invalid-credential"
	CodeMissingSubject    = "auth/missing-subject"
)

// ValidateFunc matches idtoken.Validate.
type ValidateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// GoogleProvider accepts Google Identity Services ID tokens issued for
// clientID.
type GoogleProvider struct {
	clientID string
	validate ValidateFunc
}

func NewGoogleProvider(clientID string) *GoogleProvider {
	return &GoogleProvider{clientID: clientID, validate: idtoken.Validate}
}

// WithValidator swaps the token validator, mainly for tests.
func (p *GoogleProvider) WithValidator(v ValidateFunc) *GoogleProvider {
	p.validate = v
	return p
}

func (p *GoogleProvider) SignIn(ctx context.Context, credential string) (core.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return core.Identity{}, &ProviderError{Code: CodeMissingCredential, Message: "no credential supplied"}
	}
	payload, err := p.validate(ctx, credential, p.clientID)
	if err != nil {
		return core.Identity{}, &ProviderError{Code: CodeInvalidCredential, Message: err.Error()}
	}
	if payload.Subject == "" {
		return core.Identity{}, &ProviderError{Code: CodeMissingSubject, Message: "token carries no subject"}
	}
	return core.Identity{
		UID:         payload.Subject,
		DisplayName: claim(payload.Claims, "name"),
		Email:       claim(payload.Claims, "email"),
		AvatarURL:   claim(payload.Claims, "picture"),
	}, nil
}

func claim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// DevProvider trusts credentials of the form "dev:<uid>[:<name>]". It is
// only wired when explicitly enabled for local runs.
type DevProvider struct{}

func (DevProvider) SignIn(_ context.Context, credential string) (core.Identity, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(credential), "dev:")
	if !ok || rest == "" {
		return core.Identity{}, &ProviderError{Code: CodeInvalidCredential, Message: "expected dev:<uid>"}
	}
	uid, name, _ := strings.Cut(rest, ":")
	if name == "" {
		name = uid
	}
	return core.Identity{UID: uid, DisplayName: name, Email: uid + "@localhost"}, nil
}
