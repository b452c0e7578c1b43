// Package auth implements the Auth Registry (C4): a static username/password
// credential map that issues opaque session tokens on success and validates
// them on every subsequent request.
//
// Passwords are hashed with Argon2id, following the teacher's LocalAuthProvider
// exactly (saltHex:hashHex storage format, constant-time comparison). Issued
// tokens are signed JWTs (HS256) — this gives the opaque token self-contained
// integrity the way the teacher's JWTManager does — but validity is decided
// solely by membership in the in-memory token->username map, per the data
// model's explicit "grown on successful auth; never shrunk" contract. A JWT
// that is well-formed but was never issued by this process (not in the map)
// is rejected exactly like a garbage token would be.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCredentials is returned by Verify on a username/password mismatch.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// Credentials is the value object carried in the AUTHENTICATE message.
type Credentials struct {
	Username string
	Password string
}

// Registry is the orchestrator's static credential map plus its
// token->username session table. The zero value is not usable — create
// instances with New.
type Registry struct {
	mu     sync.RWMutex
	hashes map[string]string // username -> "saltHex:hashHex"
	tokens map[string]string // token -> username; grown, never shrunk
	secret []byte
	logger *zap.Logger
}

// New creates a Registry seeded with the given username -> plaintext
// password map. Plaintext passwords are hashed immediately; the plaintext
// is not retained.
func New(seed map[string]string, secret []byte, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		hashes: make(map[string]string, len(seed)),
		tokens: make(map[string]string),
		secret: secret,
		logger: logger.Named("auth"),
	}
	for user, pass := range seed {
		h, err := hashPassword(pass)
		if err != nil {
			return nil, fmt.Errorf("auth: hashing seed password for %q: %w", user, err)
		}
		r.hashes[user] = h
	}
	return r, nil
}

// Verify checks username/password against the seeded credential map. On
// success it mints a fresh JWT, records token->username, and returns the
// token. On failure it returns ErrInvalidCredentials and no token.
func (r *Registry) Verify(username, password string) (string, error) {
	r.mu.RLock()
	stored, known := r.hashes[username]
	r.mu.RUnlock()

	if !known || !verifyPassword(password, stored) {
		r.logger.Warn("authentication failed", zap.String("username", username))
		return "", ErrInvalidCredentials
	}

	token, err := r.mintToken(username)
	if err != nil {
		return "", fmt.Errorf("auth: minting token: %w", err)
	}

	r.mu.Lock()
	r.tokens[token] = username
	r.mu.Unlock()

	r.logger.Info("authentication succeeded", zap.String("username", username))
	return token, nil
}

// UserOf returns the username bound to token, or false if the token was
// never issued by this registry. Tokens are never evicted in this design
// (see the open-question decisions in DESIGN.md) — a long-running
// orchestrator accumulates entries for the lifetime of the process.
func (r *Registry) UserOf(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.tokens[token]
	return u, ok
}

// claims is the minimal JWT payload: enough to make the token
// self-describing without carrying anything the map doesn't already own.
type claims struct {
	jwt.RegisteredClaims
}

func (r *Registry) mintToken(username string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        hex.EncodeToString(nonce),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	})
	return tok.SignedString(r.secret)
}

// hashPassword returns an Argon2id hash of password in "saltHex:hashHex" form.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks password against a stored "saltHex:hashHex" value.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))
	return constantTimeEqual(actual, expected)
}

func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
