package server

import (
	"StabilityLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Scopes carried in the token's scope claim.
const (
	ScopeDepositsWrite = "deposits:write"
	ScopeLiquidator    = "liquidator"
	ScopeIssuer        = "issuer"
	ScopeAdmin         = "admin"
)

var (
	errMissingToken      = errors.New("missing bearer token")
	errInvalidToken      = errors.New("invalid token")
	errInsufficientScope = errors.New("insufficient scope")
)

// methodScopes lists the scope each write method needs. Methods absent
// here are reads and need no token.
var methodScopes = map[string]string{
	"/" + ingestServiceName + "/ProvideDeposit":    ScopeDepositsWrite,
	"/" + ingestServiceName + "/WithdrawDeposit":   ScopeDepositsWrite,
	"/" + ingestServiceName + "/ClaimGain":         ScopeDepositsWrite,
	"/" + ingestServiceName + "/OffsetLiquidation": ScopeLiquidator,
	"/" + ingestServiceName + "/IssueReward":       ScopeIssuer,
	"/" + adminServiceName + "/TakeSnapshot":       ScopeAdmin,
	"/" + adminServiceName + "/RebuildProjections": ScopeAdmin,
	"/" + adminServiceName + "/VerifyIntegrity":    ScopeAdmin,
	"/" + adminServiceName + "/GetEventLogInfo":    ScopeAdmin,
}

// RequiredScope returns the scope a method needs and whether it is a write.
func RequiredScope(fullMethod string) (string, bool) {
	scope, ok := methodScopes[fullMethod]
	return scope, ok
}

type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Scopes  []string
}

func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalKey struct{}

// PrincipalFromContext returns the caller attached by the auth layer.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Authenticator validates HMAC-signed JWTs. With no secret configured it is
// disabled and every call is let through.
type Authenticator struct {
	cfg     AuthConfig
	secret  []byte
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAuthenticator(cfg AuthConfig, metrics *observability.Metrics) *Authenticator {
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	a := &Authenticator{
		cfg:     cfg,
		secret:  []byte(strings.TrimSpace(cfg.HMACSecret)),
		metrics: metrics,
		logger:  observability.NewLogger("auth"),
	}
	if !a.Enabled() {
		a.logger.Warn().Msg("no auth secret configured; write and admin methods are unauthenticated")
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authorize checks the bearer token against the method's required scope and
// returns ctx carrying the caller. Reads pass without a token.
func (a *Authenticator) Authorize(ctx context.Context, fullMethod, authorization string) (context.Context, error) {
	required, write := RequiredScope(fullMethod)
	if !write || !a.Enabled() {
		return ctx, nil
	}

	tokenString := extractBearer(authorization)
	if tokenString == "" {
		a.fail("missing_token")
		return ctx, errMissingToken
	}

	claims, err := a.parseToken(tokenString)
	if err != nil {
		a.fail("invalid_token")
		a.logger.Debug().Err(err).Str("method", fullMethod).Msg("token validation failed")
		return ctx, errInvalidToken
	}

	sub, _ := claims.GetSubject()
	p := &Principal{Subject: sub, Scopes: extractScopes(claims, a.cfg.ScopeClaim)}
	if !p.HasScope(required) {
		a.fail("insufficient_scope")
		return ctx, fmt.Errorf("%w: %s requires %q", errInsufficientScope, fullMethod, required)
	}
	return context.WithValue(ctx, principalKey{}, p), nil
}

func (a *Authenticator) fail(reason string) {
	if a.metrics != nil {
		a.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// extractScopes accepts a space-separated string or a list.
func extractScopes(claims jwt.MapClaims, claim string) []string {
	switch v := claims[claim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}
