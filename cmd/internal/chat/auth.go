package chat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnauthorized is returned when handshake credentials are missing or
// invalid. Handshake failures are fatal to the connection (no chatError).
var ErrUnauthorized = errors.New("chat: unauthorized")

// Authenticator verifies handshake credentials and yields the bound identity.
// The gateway depends only on this abstraction, never on raw query fields.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// ---- HMAC token authenticator ----

// TokenAuthenticator verifies HMAC-SHA256 signed identity tokens carried in
// the `token` handshake query parameter (or a Bearer Authorization header).
//
// Token layout: "<id>:<role>:<expiry-unix>:<hex hmac over "id:role:expiry">".
// Tokens are minted by the authentication collaborator that shares the key.
type TokenAuthenticator struct {
	key []byte
}

// NewTokenAuthenticator constructs a TokenAuthenticator.
// The key must be at least 32 bytes (HMAC-SHA256 secret).
func NewTokenAuthenticator(key []byte) (*TokenAuthenticator, error) {
	if len(key) < 32 {
		return nil, errors.New("chat: token HMAC key too short (min 32 bytes)")
	}
	return &TokenAuthenticator{key: key}, nil
}

// Authenticate extracts and verifies the identity token.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		if h := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	return a.Verify(raw, time.Now().UTC())
}

// Verify checks the token signature and expiry at the given time.
func (a *TokenAuthenticator) Verify(token string, now time.Time) (Identity, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}

	identity, err := ParseIdentity(parts[0], parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad identity claims", ErrUnauthorized)
	}

	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad expiry", ErrUnauthorized)
	}
	if now.Unix() > expiry {
		return Identity{}, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	want := signToken(a.key, parts[0], parts[1], parts[2])
	if !hmac.Equal([]byte(want), []byte(parts[3])) {
		return Identity{}, fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}

	return identity, nil
}

// MintToken signs an identity token valid until expiry. Used by tooling and
// tests; production tokens come from the authentication collaborator.
func (a *TokenAuthenticator) MintToken(identity Identity, expiry time.Time) string {
	id := strconv.FormatInt(identity.ID, 10)
	exp := strconv.FormatInt(expiry.Unix(), 10)
	return id + ":" + identity.Role + ":" + exp + ":" + signToken(a.key, id, identity.Role, exp)
}

func signToken(key []byte, id, role, expiry string) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(id + ":" + role + ":" + expiry))
	return hex.EncodeToString(m.Sum(nil))
}

// ---- Dev query authenticator ----

// QueryAuthenticator binds identities straight from the `testId` and
// `testType` handshake parameters. It performs no credential verification and
// exists for local development and protocol smoke tests only; the server
// refuses to enable it unless explicitly configured.
type QueryAuthenticator struct{}

// Authenticate parses the identity pair from handshake query parameters.
func (QueryAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	q := r.URL.Query()

	rawID := strings.TrimSpace(q.Get("testId"))
	role := strings.TrimSpace(q.Get("testType"))
	if rawID == "" || role == "" {
		return Identity{}, fmt.Errorf("%w: missing identity claims", ErrUnauthorized)
	}

	identity, err := ParseIdentity(rawID, role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid identity claims", ErrUnauthorized)
	}
	return identity, nil
}
