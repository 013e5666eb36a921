package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned when a handshake credential cannot be
// verified. The connection is refused with AUTHENTICATION_FAILED.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the verified result of a handshake credential.
type Identity struct {
	UserID string
	Device string // optional device identifier from the credential
	Admin  bool
}

// Verifier checks the opaque credential a client presents on connect and
// resolves it to a stable identity. The server never interprets the
// credential itself.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// JWTVerifier validates HMAC-signed JWTs issued by the account service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type sessionClaims struct {
	Device string `json:"device,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token. The subject claim carries the
// user id.
func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{UserID: claims.Subject, Device: claims.Device, Admin: claims.Admin}, nil
}

// IssueToken mints a signed token for the given user. Used by tests and the
// local development server; production tokens come from the account service.
func (v *JWTVerifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// StaticVerifier maps fixed credentials to identities. Test helper.
type StaticVerifier struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStaticVerifier creates an empty static verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{identities: make(map[string]Identity)}
}

// Add registers a credential.
func (v *StaticVerifier) Add(credential string, id Identity) {
	v.mu.Lock()
	v.identities[credential] = id
	v.mu.Unlock()
}

// Revoke removes a credential.
func (v *StaticVerifier) Revoke(credential string) {
	v.mu.Lock()
	delete(v.identities, credential)
	v.mu.Unlock()
}

// Verify resolves a previously added credential.
func (v *StaticVerifier) Verify(credential string) (Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	id, ok := v.identities[credential]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}
