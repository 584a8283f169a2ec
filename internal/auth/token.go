// Package auth implements the optional bearer-token gate in front of the
// read endpoints. Tokens are HS256 JWTs whose claims may carry survey
// filters; a filtered survey is hidden from the token holder.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// Filters understood by the gate.
const (
	// FilterAtlasStamp hides atlas cutouts.
	FilterAtlasStamp = "filter_atlas_stamp"
	// FilterAtlasAvro hides atlas records and their metadata.
	FilterAtlasAvro = "filter_atlas_avro"
	// FilterAll applies every filter.
	FilterAll = "*"
)

// Claims is the token payload.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	Filters     []string `json:"filters,omitempty"`
	jwt.RegisteredClaims
}

// HasFilter reports whether the claims carry filter or the wildcard.
func (c *Claims) HasFilter(filter string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Filters, FilterAll) || slices.Contains(c.Filters, filter)
}

// Verifier checks token signatures and expiry.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates a raw token. Every failure wraps
// errors.ErrUnauthorized.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, fmt.Errorf("%s: %w", reason, stamperr.ErrUnauthorized)
	}
	return claims, nil
}

// Sign issues a token for claims. Used by operators and tests.
func (v *Verifier) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the verified claims, or nil for anonymous
// requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Gate decides whether a caller may read a survey's data.
type Gate struct {
	// restricted maps a survey id to the filter protecting each resource
	// kind of that survey.
	restricted map[string]map[Resource]string
}

// Resource is the kind of data a request reads.
type Resource string

const (
	ResourceStamp Resource = "stamp"
	ResourceAvro  Resource = "avro"
)

// NewGate returns the default gate: atlas data is filterable.
func NewGate() *Gate {
	return &Gate{restricted: map[string]map[Resource]string{
		"atlas": {
			ResourceStamp: FilterAtlasStamp,
			ResourceAvro:  FilterAtlasAvro,
		},
	}}
}

// Allow returns errors.ErrForbidden when the caller's claims filter the
// survey for the resource kind. Anonymous callers are allowed.
func (g *Gate) Allow(ctx context.Context, survey string, res Resource) error {
	filter, ok := g.restricted[survey][res]
	if !ok {
		return nil
	}
	if ClaimsFromContext(ctx).HasFilter(filter) {
		return fmt.Errorf("%s data of survey %s: %w", res, survey, stamperr.ErrForbidden)
	}
	return nil
}
