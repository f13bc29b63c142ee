package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const serviceTokenLeeway = 30 * time.Second

var (
	// ErrServiceTokenInvalid is returned when a service token fails verification.
	ErrServiceTokenInvalid = errors.New("auth: service token invalid")
	// ErrServiceTokenExpired is returned when a service token is past its expiry.
	ErrServiceTokenExpired = errors.New("auth: service token expired")
)

// ServiceIdentity captures details about an authenticated internal caller.
type ServiceIdentity struct {
	Subject  string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// ServiceTokenValidator verifies HS256 tokens minted for internal callers
// such as the ops console and scheduled jobs. The signing secret is resolved
// through the secret provider so rotation does not require a deploy.
type ServiceTokenValidator struct {
	provider   SecretProvider
	secretName string
	issuer     string
	audience   string
	metrics    MetricsRecorder
	now        func() time.Time
}

// ServiceTokenOption customises the validator.
type ServiceTokenOption func(*ServiceTokenValidator)

// WithServiceTokenMetrics sets the metrics recorder.
func WithServiceTokenMetrics(metrics MetricsRecorder) ServiceTokenOption {
	return func(v *ServiceTokenValidator) {
		v.metrics = metrics
	}
}

// WithServiceTokenClock injects a custom clock, primarily for tests.
func WithServiceTokenClock(now func() time.Time) ServiceTokenOption {
	return func(v *ServiceTokenValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewServiceTokenValidator constructs a validator for the given secret,
// issuer and audience.
func NewServiceTokenValidator(provider SecretProvider, secretName, issuer, audience string, opts ...ServiceTokenOption) *ServiceTokenValidator {
	validator := &ServiceTokenValidator{
		provider:   provider,
		secretName: strings.TrimSpace(secretName),
		issuer:     strings.TrimSpace(issuer),
		audience:   strings.TrimSpace(audience),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// ValidateToken parses and verifies a service token string.
func (v *ServiceTokenValidator) ValidateToken(ctx context.Context, tokenStr string) (*ServiceIdentity, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: service token validator not configured")
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrServiceTokenInvalid
	}

	secret, err := v.provider.GetSecret(ctx, v.secretName)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(serviceTokenLeeway),
	)

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrServiceTokenExpired
		}
		return nil, ErrServiceTokenInvalid
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrServiceTokenInvalid
	}
	if v.audience != "" && !containsString(claims.Audience, v.audience) {
		return nil, ErrServiceTokenInvalid
	}

	return &ServiceIdentity{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: v.audience,
	}, nil
}

// RequireServiceToken enforces a valid bearer service token on the request.
func (v *ServiceTokenValidator) RequireServiceToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.record(ctx, false, "token_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			identity, err := v.ValidateToken(ctx, tokenStr)
			if err != nil {
				switch {
				case errors.Is(err, ErrServiceTokenExpired):
					v.record(ctx, false, "token_expired", start)
					respondAuthError(w, http.StatusUnauthorized, "token_expired", "service token expired")
				case errors.Is(err, ErrServiceTokenInvalid):
					v.record(ctx, false, "token_invalid", start)
					respondAuthError(w, http.StatusUnauthorized, "invalid_token", "service token verification failed")
				default:
					v.record(ctx, false, "secret_unavailable", start)
					respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "service token verification unavailable")
				}
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

// IssueServiceToken mints a short-lived token for internal callers. Used by
// operational tooling; the API itself only validates.
func IssueServiceToken(ctx context.Context, provider SecretProvider, secretName, issuer, audience, subject string, ttl time.Duration) (string, error) {
	if provider == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	secret, err := provider.GetSecret(ctx, secretName)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (v *ServiceTokenValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "service_token", success, reason, duration)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
