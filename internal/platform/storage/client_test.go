package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestSignedDownloadURLSuccess(t *testing.T) {
	signer := &fakeSigner{email: "test@example.iam.gserviceaccount.com"}
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	res, err := client.SignedDownloadURL(context.Background(), "archive-bucket", "webhooks/payment_gateway/2026/03/14/ORDER-42-1.json", DownloadURLOptions{
		ExpiresIn:   10 * time.Minute,
		Disposition: `attachment; filename="payload.json"`,
	})
	if err != nil {
		t.Fatalf("SignedDownloadURL returned error: %v", err)
	}

	if res.Method != "GET" {
		t.Fatalf("expected method GET, got %s", res.Method)
	}
	if want := now.Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, res.ExpiresAt)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if !strings.Contains(parsed.Path, "webhooks/payment_gateway") {
		t.Fatalf("unexpected object path in %s", parsed.Path)
	}
	if got := parsed.Query().Get("response-content-disposition"); !strings.Contains(got, "payload.json") {
		t.Fatalf("expected disposition parameter, got %q", got)
	}
	if len(signer.payloads) == 0 {
		t.Fatal("expected signer to be invoked")
	}
}

func TestSignedDownloadURLRejectsLongExpiry(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "test@example.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	_, err = client.SignedDownloadURL(context.Background(), "archive-bucket", "webhooks/x.json", DownloadURLOptions{
		ExpiresIn: time.Hour,
	})
	if err != errExpiryTooLong {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}

func TestSignedDownloadURLRejectsMutatingMethods(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "test@example.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	_, err = client.SignedDownloadURL(context.Background(), "archive-bucket", "webhooks/x.json", DownloadURLOptions{
		Method: "PUT",
	})
	if err != errMethodDenied {
		t.Fatalf("expected errMethodDenied, got %v", err)
	}
}

func TestNewClientRequiresSigner(t *testing.T) {
	if _, err := NewClient(nil); err != errNoSigner {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{email: "  "}); err != errNoSigner {
		t.Fatalf("expected errNoSigner for blank email, got %v", err)
	}
}
