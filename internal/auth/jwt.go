// Package auth signs and verifies the RS256 credentials presented by callers.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken       = errors.New("no token provided")
	ErrInvalidToken  = errors.New("invalid token")
	ErrUnknownIssuer = errors.New("unauthorized issuer")
)

// RoleExec is the role a backend service needs to submit one-shot requests.
const RoleExec = "exec"

const keyBits = 2048

// Claims is the payload of an execution credential.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the claimed expiration, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Verifier checks a credential and returns its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// Signer issues credentials.
type Signer interface {
	Sign(claims Claims, ttl time.Duration, audience ...string) (string, error)
}

// Options configures a Service.
type Options struct {
	// Issuer names this service. It is the issuer of signed tokens and the
	// audience every verified token must carry.
	Issuer     string
	PrivateKey *rsa.PrivateKey
	// TrustedKeys maps other issuers to the public key their tokens are signed with.
	TrustedKeys map[string]*rsa.PublicKey
	// AuthorizedIssuers restricts which issuers are accepted. Empty means the
	// service itself plus every issuer in TrustedKeys.
	AuthorizedIssuers []string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Service is an RS256 token signer and verifier.
type Service struct {
	issuer  string
	key     *rsa.PrivateKey
	kid     string
	keys    map[string]*rsa.PublicKey
	allowed []string
	now     func() time.Time
}

var (
	_ Verifier = (*Service)(nil)
	_ Signer   = (*Service)(nil)
)

// NewService validates opts and builds a Service.
func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	if opts.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}

	kid, err := keyID(&opts.PrivateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(opts.TrustedKeys)+1)
	for iss, key := range opts.TrustedKeys {
		keys[iss] = key
	}
	keys[opts.Issuer] = &opts.PrivateKey.PublicKey

	allowed := slices.Clone(opts.AuthorizedIssuers)
	if len(allowed) == 0 {
		for iss := range keys {
			allowed = append(allowed, iss)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		issuer:  opts.Issuer,
		key:     opts.PrivateKey,
		kid:     kid,
		keys:    keys,
		allowed: allowed,
		now:     now,
	}, nil
}

// Issuer returns the name tokens are signed under.
func (s *Service) Issuer() string {
	return s.issuer
}

// Sign issues a token for claims valid for ttl and addressed to audience.
func (s *Service) Sign(claims Claims, ttl time.Duration, audience ...string) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.Audience = jwt.ClaimStrings(audience)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, audience, expiry and issuer of token.
func (s *Service) Verify(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, ErrUnknownIssuer) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (s *Service) keyFor(token *jwt.Token) (any, error) {
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Issuer == "" {
		return nil, errors.New("token does not contain issuer")
	}
	if !slices.Contains(s.allowed, claims.Issuer) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, claims.Issuer)
	}
	key, ok := s.keys[claims.Issuer]
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", ErrUnknownIssuer, claims.Issuer)
	}
	return key, nil
}

// GenerateKey creates a fresh RSA signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// LoadTrustedKeys reads the public key file of every issuer in paths.
func LoadTrustedKeys(paths map[string]string) (map[string]*rsa.PublicKey, error) {
	keys := make(map[string]*rsa.PublicKey, len(paths))
	for iss, path := range paths {
		key, err := LoadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("trusted issuer %s: %w", iss, err)
		}
		keys[iss] = key
	}
	return keys, nil
}
