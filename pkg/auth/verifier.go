package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is applied when token generation is given no expiry.
const DefaultTokenTTL = time.Hour

type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a key store.
type Verifier struct {
	keystore *KeyStore
	now      func() time.Time
}

// NewVerifier creates a verifier backed by the given key store.
func NewVerifier(keystore *KeyStore) *Verifier {
	return &Verifier{keystore: keystore, now: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.now = clock
	return v
}

// Keystore returns the backing key store.
func (v *Verifier) Keystore() *KeyStore { return v.keystore }

// VerifyBearerToken parses and validates a three-segment HS256 bearer token,
// returning the authenticated principal on success. Every defect is reported
// as an AuthenticationError.
func (v *Verifier) VerifyBearerToken(token string) (*AuthenticatedPrincipal, error) {
	if token == "" {
		return nil, authErrorf("Missing bearer token")
	}
	if strings.Count(token, ".") != 2 {
		return nil, authErrorf("Malformed bearer token")
	}

	var key *ServiceAccountKey
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, authErrorf("Missing token key identifier")
		}
		key = v.keystore.Get(kid)
		if key == nil {
			return nil, authErrorf("Unknown service-account key")
		}
		if key.IsExpired(v.now().UTC()) {
			return nil, authErrorf("Service-account key expired")
		}
		return key.Secret, nil
	}

	claims := &tokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return v.now().UTC() }),
		jwt.WithExpirationRequired(),
	)

	parsed, err := parser.ParseWithClaims(token, claims, keyfunc)
	if err != nil {
		var authErr *AuthenticationError
		switch {
		case errors.As(err, &authErr):
			return nil, authErr
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, authErrorf("Malformed bearer token payload")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, authErrorf("Invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, authErrorf("Token expired")
		default:
			return nil, authErrorf("Invalid bearer token: %v", err)
		}
	}
	if !parsed.Valid {
		return nil, authErrorf("Invalid bearer token")
	}

	if claims.Subject == "" {
		return nil, authErrorf("Token missing subject")
	}
	if claims.IssuedAt == nil {
		return nil, authErrorf("Token missing iat claim")
	}
	if claims.ExpiresAt == nil {
		return nil, authErrorf("Token missing exp claim")
	}
	if len(claims.Roles) == 0 {
		return nil, authErrorf("Token missing roles claim")
	}
	// exp == now is already expired; jwt's validator only rejects now > exp.
	if !v.now().UTC().Before(claims.ExpiresAt.Time) {
		return nil, authErrorf("Token expired")
	}

	roles := make(map[string]bool, len(claims.Roles))
	for _, role := range claims.Roles {
		roles[role] = true
	}
	for role := range roles {
		if !key.Roles[role] {
			return nil, authErrorf("Token asserts roles not granted to key")
		}
	}

	return &AuthenticatedPrincipal{
		Principal: claims.Subject,
		Roles:     roles,
		KeyID:     key.KeyID,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// TokenOptions configure bootstrap token generation.
type TokenOptions struct {
	Roles     []string      // defaults to every role granted to the key
	IssuedAt  time.Time     // defaults to now
	ExpiresAt time.Time     // defaults to IssuedAt + TTL
	TTL       time.Duration // defaults to DefaultTokenTTL
}

// GenerateToken signs a bearer token for bootstrap and test flows. The
// requested role set must be non-empty and a subset of the key's grants, and
// the expiry must fall after issuance.
func GenerateToken(key *ServiceAccountKey, opts TokenOptions) (string, error) {
	issued := opts.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	issued = issued.UTC()

	expires := opts.ExpiresAt
	if expires.IsZero() {
		ttl := opts.TTL
		if ttl == 0 {
			ttl = DefaultTokenTTL
		}
		expires = issued.Add(ttl)
	}
	expires = expires.UTC()

	if !expires.After(issued) {
		return "", fmt.Errorf("token expiry must be after issuance time")
	}

	requested := opts.Roles
	if len(requested) == 0 {
		requested = key.RoleNames()
	}
	if len(requested) == 0 {
		return "", fmt.Errorf("token must include at least one role")
	}

	var missing []string
	seen := map[string]bool{}
	roles := make([]string, 0, len(requested))
	for _, role := range requested {
		if seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
		if !key.Roles[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("token requests roles not granted to key: %s", strings.Join(missing, ","))
	}
	sort.Strings(roles)

	claims := &tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.Principal,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.KeyID
	signed, err := token.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
