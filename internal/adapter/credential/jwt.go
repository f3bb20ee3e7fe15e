// Package credential issues and verifies the short-lived signed credentials
// agent instances use to call back into the control plane.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentdock/internal/domain"
)

// issueGranularity is the step issue times are truncated to, so repeated
// issuance for one agent within a step yields the same token.
const issueGranularity = time.Minute

// JWT signs HS256 tokens whose subject is the agent's instance ID.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

var (
	_ domain.CredentialIssuer   = (*JWT)(nil)
	_ domain.CredentialVerifier = (*JWT)(nil)
)

// NewJWT creates an issuer/verifier. ttl defaults to 15 minutes.
func NewJWT(secret, issuer string, ttl time.Duration) (*JWT, error) {
	if secret == "" {
		return nil, errors.New("credential: signing key not configured")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWT{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed credential for ref.
func (j *JWT) Issue(ref domain.AgentRef) (string, error) {
	if ref.Space == "" || ref.Channel == "" || ref.Callsign == "" {
		return "", domain.NewDomainError("JWT.Issue", domain.ErrInvalidInput, "incomplete agent reference "+ref.String())
	}
	iat := j.now().Truncate(issueGranularity)
	claims := jwt.MapClaims{
		"sub":      ref.InstanceID(),
		"space":    ref.Space,
		"channel":  ref.Channel,
		"callsign": ref.Callsign,
		"iss":      j.issuer,
		"iat":      iat.Unix(),
		"exp":      iat.Add(j.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the agent the
// credential was issued to.
func (j *JWT) Verify(token string) (domain.AgentRef, error) {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return domain.AgentRef{}, domain.NewDomainError("JWT.Verify", domain.ErrCredentialInvalid, err.Error())
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return domain.AgentRef{}, domain.NewDomainError("JWT.Verify", domain.ErrCredentialInvalid, "unexpected claims")
	}

	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	ref := domain.AgentRef{Space: str("space"), Channel: str("channel"), Callsign: str("callsign")}
	if ref.Callsign == "" || str("sub") != ref.InstanceID() {
		return domain.AgentRef{}, domain.NewDomainError("JWT.Verify", domain.ErrCredentialInvalid, "subject does not match agent")
	}
	return ref, nil
}
