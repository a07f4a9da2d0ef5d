// Package auth supplies the bearer credential used by the RPC client and the
// realtime transport. Obtaining and refreshing the credential happens
// elsewhere; this package only reads the current one.
package auth

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider returns the current bearer credential. ok is false when there is
// none, in which case callers proceed unauthenticated.
type Provider interface {
	Token() (token string, ok bool)
}

// Static is a fixed credential. The empty string means no credential.
type Static string

// Token implements Provider.
func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// FileProvider reads the credential from a file on every call so that an
// external refresher can rotate it in place.
type FileProvider struct {
	path string
	now  func() time.Time
}

// NewFileProvider creates a provider reading from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, now: time.Now}
}

// Token implements Provider. A missing or empty file, or an expired JWT,
// yields no credential.
func (p *FileProvider) Token() (string, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", false
	}
	if Expired(token, p.now()) {
		return "", false
	}
	return token, true
}

// Expired reports whether token is a JWT whose exp claim is at or before now.
// The signature is not verified; the server stays authoritative. Tokens that
// are not JWTs, or carry no exp, are never considered expired.
func Expired(token string, now time.Time) bool {
	exp, err := ExpiresAt(token)
	if err != nil || exp.IsZero() {
		return false
	}
	return !exp.After(now)
}

// ExpiresAt returns the exp claim of an unverified JWT, or the zero time when absent.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// ErrNoUserID is returned by UserID when no identity can be determined.
var ErrNoUserID = errors.New("no user id configured and no credential subject")

// Subject returns the sub claim of an unverified JWT.
func Subject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// UserID returns configured when set, otherwise the subject of the current
// credential.
func UserID(configured string, p Provider) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if p != nil {
		if token, ok := p.Token(); ok {
			if sub, err := Subject(token); err == nil && sub != "" {
				return sub, nil
			}
		}
	}
	return "", ErrNoUserID
}
