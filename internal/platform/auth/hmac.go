package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSignatureEncoding is returned when a signature is neither base64 nor hex encoded.
	ErrSignatureEncoding = errors.New("auth: signature must be base64 or hex encoded")
	// ErrSignatureMismatch is returned when the computed digest does not match the signature.
	ErrSignatureMismatch = errors.New("auth: signature verification failed")
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// WebhookVerifier checks gateway payload signatures. Gateways sign the raw
// request body with HMAC-SHA256 using a per-source shared secret and send the
// digest alongside the delivery, encoded as hex or base64.
type WebhookVerifier struct {
	provider SecretProvider
	metrics  MetricsRecorder
	now      func() time.Time

	secretCache sync.Map
}

// WebhookVerifierOption customises the verifier.
type WebhookVerifierOption func(*WebhookVerifier)

// WithVerifierMetrics sets the metrics recorder.
func WithVerifierMetrics(metrics MetricsRecorder) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		v.metrics = metrics
	}
}

// WithVerifierClock injects a custom clock, primarily for tests.
func WithVerifierClock(now func() time.Time) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier builds a verifier backed by the given secret provider.
func NewWebhookVerifier(provider SecretProvider, opts ...WebhookVerifierOption) *WebhookVerifier {
	verifier := &WebhookVerifier{
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier
}

// Verify checks the signature over the payload against the named secret.
func (v *WebhookVerifier) Verify(ctx context.Context, secretName string, payload []byte, signature string) error {
	if v == nil {
		return errors.New("auth: webhook verifier not initialised")
	}
	start := v.now()

	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		v.record(ctx, false, "secret_unavailable", start)
		return err
	}

	decoded, err := decodeSignature(signature)
	if err != nil {
		v.record(ctx, false, "signature_encoding", start)
		return err
	}

	expected := computeHMAC(secret, payload)
	if !hmac.Equal(decoded, expected) {
		v.record(ctx, false, "signature_mismatch", start)
		return ErrSignatureMismatch
	}

	v.record(ctx, true, "ok", start)
	return nil
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "hmac", success, reason, duration)
}

func (v *WebhookVerifier) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if name == "" {
		return nil, errors.New("auth: secret name is required")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, ErrSignatureEncoding
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
