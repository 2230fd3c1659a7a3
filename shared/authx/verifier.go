package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

type VerifierOptions struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to {Issuer}/.well-known/jwks.json.
	JWKSURL      string
	RefreshEvery time.Duration
	Leeway       time.Duration
}

// JWTVerifier checks RS/ES signed access tokens against the issuer's JWKS.
// Keys are held in a jwk.Cache that refreshes in the background for as
// long as the constructor's ctx lives.
type JWTVerifier struct {
	jwksURL string
	keys    *jwk.Cache
	parser  *jwt.Parser
}

func NewJWTVerifier(ctx context.Context, opts VerifierOptions) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	audience := strings.TrimSpace(opts.Audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: issuer and audience are required", ErrInvalidToken)
	}
	url := strings.TrimSpace(opts.JWKSURL)
	if url == "" {
		url = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	refresh := opts.RefreshEvery
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", url, err)
	}
	return &JWTVerifier{
		jwksURL: url,
		keys:    cache,
		parser: jwt.NewParser(
			jwt.WithValidMethods(signingMethods),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithLeeway(max(opts.Leeway, 0)),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// Verify returns the caller named by raw. Every failure is reported as
// ErrInvalidToken so the response never says which check failed.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return principalFromClaims(claims)
}

// key looks kid up, forcing one refresh when the issuer has rotated keys
// since the last fetch.
func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}
	k, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = v.keys.Refresh(ctx, v.jwksURL); err != nil {
			return nil, err
		}
		if k, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var pub any
	if err := k.Raw(&pub); err != nil {
		return nil, err
	}
	return pub, nil
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}
	return Principal{
		Subject: strings.TrimSpace(sub),
		Email:   claimString(claims, "email"),
		Name:    name,
		Roles:   rolesFromClaims(claims),
	}, nil
}

func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

// rolesFromClaims merges the flat roles claim, Keycloak's
// realm_access.roles and space separated scopes, without duplicates.
func rolesFromClaims(claims map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(vals ...string) {
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}

	add(stringList(claims["roles"])...)
	add(stringList(claims["role"])...)
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		add(stringList(realm["roles"])...)
	}
	for _, key := range []string{"scope", "scp"} {
		if s, ok := claims[key].(string); ok {
			add(strings.Fields(s)...)
		}
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return strings.Fields(t)
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
