// Package tokens renders service tickets as signed JWTs, for services
// that validate tickets offline instead of calling back into the
// registry. The JWT carries the ticket id as jti, so a service can still
// look the ticket up to enforce single use.
package tokens

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ajtak/cas/ticket"
)

// ErrInvalidToken is returned for tokens that fail parsing, signature,
// issuer, audience or lifetime checks.
var ErrInvalidToken = errors.New("invalid ticket token")

// Claims is the payload of a ticket token.
type Claims struct {
	jwt.RegisteredClaims
	TicketType   string              `json:"ticket_type"`
	FromNewLogin bool                `json:"from_new_login,omitempty"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
}

// Issuer signs and verifies ticket tokens with one Ed25519 key.
type Issuer struct {
	// Name is the iss claim.
	Name string
	Key  ed25519.PrivateKey
	// TTL bounds the token lifetime. Defaults to 30 seconds.
	TTL    time.Duration
	Leeway time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Clock != nil {
		return i.Clock()
	}
	return time.Now()
}

func (i *Issuer) ttl() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	return 30 * time.Second
}

// Issue signs a token for st. granting is the ticket holding the
// authentication st was issued from: its session or proxy-granting
// ticket.
func (i *Issuer) Issue(st, granting *ticket.Ticket) (string, error) {
	if st.Type != ticket.TypeService && st.Type != ticket.TypeProxy {
		return "", fmt.Errorf("tokens: %s is not a service ticket", st.ID)
	}
	if granting == nil || granting.ID != st.ParentID || granting.Authentication == nil {
		return "", fmt.Errorf("tokens: %s needs its authenticated parent", st.ID)
	}
	if len(i.Key) != ed25519.PrivateKeySize {
		return "", errors.New("tokens: issuer key is not an Ed25519 private key")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   granting.Authentication.PrincipalID,
			Audience:  jwt.ClaimStrings{st.Service},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl())),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        st.ID,
		},
		TicketType:   string(st.Type),
		FromNewLogin: st.FromNewLogin,
		Attributes:   granting.Authentication.Attributes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return tok.SignedString(i.Key)
}

// Verify checks a token issued for audience and returns its claims.
func (i *Issuer) Verify(token, audience string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(i.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("tokens: issuer key is not an Ed25519 private key")
	}
	pub := i.Key.Public().(ed25519.PublicKey)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.Name),
		jwt.WithAudience(audience),
		jwt.WithLeeway(i.Leeway),
		jwt.WithTimeFunc(i.now),
	)
	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return pub, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrInvalidToken)
	}
	return &claims, nil
}
