// Package auth verifies and mints the HS256 bearer tokens that
// identify clients to the gateway.
//
// Verification supports a two-secret rotation window: the primary
// secret is tried first and the previous one only on a signature
// mismatch, never on expiry or malformed input.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hyperengineering/lakesync/internal/errs"
)

// DefaultRole is assumed when a token carries no role claim.
const DefaultRole = "client"

// RoleAdmin is required by the admin surface.
const RoleAdmin = "admin"

// DefaultTTL is the expiry applied by the signer when none is given.
const DefaultTTL = time.Hour

// reservedClaims never land in Claims.Custom. sub is re-added
// explicitly because the rules engine resolves "jwt:sub".
var reservedClaims = map[string]struct{}{
	"sub": {}, "gw": {}, "exp": {}, "iat": {}, "iss": {}, "aud": {}, "role": {},
}

// Claims is the resolved identity of a verified token.
type Claims struct {
	ClientID  string
	GatewayID string
	Role      string
	// Custom retains every string or string-list claim outside the
	// reserved set, plus sub. Values are string or []string.
	Custom map[string]any
}

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// Verifier checks compact HS256 tokens against one or two secrets.
type Verifier struct {
	primary  []byte
	previous []byte
	now      func() time.Time
}

// NewVerifier builds a verifier from one secret, or two for rotation
// (primary first, previous second).
func NewVerifier(secrets ...string) (*Verifier, error) {
	if len(secrets) == 0 || secrets[0] == "" {
		return nil, errors.New("auth: at least one non-empty secret is required")
	}
	if len(secrets) > 2 {
		return nil, errors.New("auth: at most two secrets (primary, previous) are supported")
	}
	v := &Verifier{primary: []byte(secrets[0]), now: time.Now}
	if len(secrets) == 2 && secrets[1] != "" {
		v.previous = []byte(secrets[1])
	}
	return v, nil
}

// WithNow pins the verifier's clock. Used by tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the compact JWS form and extracts the resolved claims.
// All failures surface as auth-kind errors.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := v.parse(token, v.primary)
	if err != nil && v.previous != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		parsed, err = v.parse(token, v.previous)
	}
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errs.Wrap(errs.KindAuth, "invalid token signature", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errs.Wrap(errs.KindAuth, "token expired", err)
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return nil, errs.Wrap(errs.KindAuth, "token missing exp claim", err)
		default:
			return nil, errs.Wrap(errs.KindAuth, "malformed or unsupported token", err)
		}
	}
	return resolveClaims(parsed)
}

func (v *Verifier) parse(token string, secret []byte) (*jwt.Token, error) {
	return jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
}

func resolveClaims(token *jwt.Token) (*Claims, error) {
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.New(errs.KindAuth, "malformed token claims")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errs.New(errs.KindAuth, "token missing sub claim")
	}
	gw, _ := mc["gw"].(string)
	if gw == "" {
		return nil, errs.New(errs.KindAuth, "token missing gw claim")
	}
	role := DefaultRole
	if r, ok := mc["role"].(string); ok && r != "" {
		role = r
	}

	custom := map[string]any{"sub": sub}
	for name, value := range mc {
		if _, reserved := reservedClaims[name]; reserved {
			continue
		}
		switch cv := value.(type) {
		case string:
			custom[name] = cv
		case []any:
			list := make([]string, 0, len(cv))
			for _, el := range cv {
				s, ok := el.(string)
				if !ok {
					list = nil
					break
				}
				list = append(list, s)
			}
			if list != nil {
				custom[name] = list
			}
		}
	}

	return &Claims{ClientID: sub, GatewayID: gw, Role: role, Custom: custom}, nil
}

// Signer mints HS256 tokens. It is the operational counterpart of the
// verifier, used by the token subcommand and by tests.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner builds a signer over the given secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// WithNow pins the signer's clock. Used by tests.
func (s *Signer) WithNow(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign mints a token for the client/gateway pair. Zero ttl means
// DefaultTTL; empty role means DefaultRole. Extra claims are copied in
// as-is and must stay off the reserved names.
func (s *Signer) Sign(clientID, gatewayID, role string, ttl time.Duration, extra map[string]any) (string, error) {
	if clientID == "" {
		return "", errors.New("auth: clientID is required")
	}
	if gatewayID == "" {
		return "", errors.New("auth: gatewayID is required")
	}
	if role == "" {
		role = DefaultRole
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":  clientID,
		"gw":   gatewayID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	for name, value := range extra {
		if _, reserved := reservedClaims[name]; reserved {
			continue
		}
		claims[name] = value
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseSecrets splits the JWT_SECRET binding: either one secret or a
// comma-separated "primary,previous" pair.
func ParseSecrets(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
