// Package session carries the one-shot message shown on the next render of the
// challenge form. The message lives in a signed cookie, so no server-side
// session storage is needed and a forged or replayed cookie is simply ignored.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Severity selects how a message is styled.
type Severity string

const (
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Message is the pending notice for the visitor.
type Message struct {
	Text     string
	Severity Severity
}

const (
	issuer        = "gatekeeper"
	minSecretLen  = 32
	defaultTTL    = 5 * time.Minute
	defaultCookie = "gatekeeper_msg"
)

var (
	ErrSecretTooShort = errors.New("session secret too short; need >=32 bytes")
	ErrEmptyMessage   = errors.New("empty flash message")
)

type flashClaims struct {
	Text     string   `json:"msg"`
	Severity Severity `json:"sev"`
	jwt.RegisteredClaims
}

// Options tune the flash cookie.
type Options struct {
	CookieName string
	Path       string
	Secure     bool
	TTL        time.Duration
}

// Flash reads and writes the pending message cookie.
type Flash struct {
	secret []byte
	opts   Options
	now    func() time.Time
}

// NewFlash validates the secret and fills unset options.
func NewFlash(secret []byte, opts Options) (*Flash, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if opts.CookieName == "" {
		opts.CookieName = defaultCookie
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Flash{secret: secret, opts: opts, now: time.Now}, nil
}

// RandomSecret returns a fresh signing secret. Messages signed with it do not
// survive a restart, which only costs a visitor one notice.
func RandomSecret() []byte {
	b := make([]byte, minSecretLen)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session: crypto/rand failed: %v", err))
	}
	return b
}

// Set stores msg for the next Pop.
func (f *Flash) Set(w http.ResponseWriter, msg Message) error {
	if msg.Text == "" {
		return ErrEmptyMessage
	}
	if msg.Severity == "" {
		msg.Severity = SeverityError
	}
	now := f.now()
	claims := flashClaims{
		Text:     msg.Text,
		Severity: msg.Severity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(f.opts.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return fmt.Errorf("sign flash message: %w", err)
	}
	http.SetCookie(w, f.cookie(signed, int(f.opts.TTL/time.Second)))
	return nil
}

// Pop returns the pending message and clears it. Invalid or expired cookies are
// cleared too and reported as no message.
func (f *Flash) Pop(w http.ResponseWriter, r *http.Request) (Message, bool) {
	c, err := r.Cookie(f.opts.CookieName)
	if err != nil || c.Value == "" {
		return Message{}, false
	}
	http.SetCookie(w, f.cookie("", -1))

	msg, err := f.parse(c.Value)
	if err != nil {
		return Message{}, false
	}
	return msg, true
}

func (f *Flash) parse(tok string) (Message, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.now),
		jwt.WithStrictDecoding(),
	)
	var claims flashClaims
	_, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return f.secret, nil
	})
	if err != nil {
		return Message{}, err
	}
	if claims.Text == "" {
		return Message{}, ErrEmptyMessage
	}
	if claims.Severity != SeveritySuccess {
		claims.Severity = SeverityError
	}
	return Message{Text: claims.Text, Severity: claims.Severity}, nil
}

func (f *Flash) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     f.opts.CookieName,
		Value:    value,
		Path:     f.opts.Path,
		MaxAge:   maxAge,
		Secure:   f.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
