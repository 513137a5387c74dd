package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// accessTokenDuration mirrors the short-lived-token pattern used for the
// web console's access tokens; tcp-mode bridge sessions are expected to be
// reconnected by the MCP client at a similar cadence.
const accessTokenDuration = 15 * time.Minute

// argon2 parameters for deriving the HMAC signing key from the configured
// shared secret, following the OWASP-minimum profile.
const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the JWT payload issued to a tcp-mode MCP client after it
// presents the shared secret. CapabilitiesCSV round-trips the Principal's
// capability set without a server-side session table.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID      string `json:"pid"`
	CapabilitiesCSV  string `json:"caps"`
}

// TokenManager signs and verifies HS256 bearer tokens derived from the
// configured shared secret. Unlike the teacher's RSA-keypair JWTManager,
// tcp mode has no user database — the signing key is derived once from
// config at startup via argon2id, not loaded from a PEM file.
type TokenManager struct {
	signingKey []byte
	issuer     string
}

// derivedSalt is fixed rather than random: the signing key must be
// reproducible from the same shared secret across process restarts so
// previously issued tokens keep validating. The shared secret itself is
// the actual entropy source and is never logged or persisted.
var derivedSalt = []byte("bevy-debugger-mcp/tcp-token-v1")

// NewTokenManager derives an HMAC signing key from sharedSecret.
func NewTokenManager(sharedSecret, issuer string) *TokenManager {
	key := argon2.IDKey([]byte(sharedSecret), derivedSalt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return &TokenManager{signingKey: key, issuer: issuer}
}

// Issue signs a bearer token for principalID carrying capsCSV.
func (m *TokenManager) Issue(principalID, capsCSV string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			ID:        uuid.NewString(),
		},
		PrincipalID:     principalID,
		CapabilitiesCSV: capsCSV,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing bearer token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token, returning the embedded
// Principal on success.
func (m *TokenManager) Validate(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.signingKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrTokenInvalid
	}

	return NewPrincipal(claims.PrincipalID, ParseCapabilities(claims.CapabilitiesCSV)), nil
}
