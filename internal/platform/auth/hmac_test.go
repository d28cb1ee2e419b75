package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func fixedHMACClock() func() time.Time {
	at := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func staticSecrets(secrets map[string]string) SecretProviderFunc {
	return func(_ context.Context, name string) (string, error) {
		secret, ok := secrets[name]
		if !ok {
			return "", errors.New("unknown secret")
		}
		return secret, nil
	}
}

// signInternalRequest signs body for the reconcile endpoint the way a collaborator
// service would, returning the request with all three signature headers set.
func signInternalRequest(validator *HMACValidator, secret string, body []byte, timestamp, nonce string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/reconcile", bytes.NewReader(body))
	signature := computeHMAC([]byte(secret), signingPayload(req, body, timestamp, nonce))
	req.Header.Set(validator.signatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(validator.timestampHeader, timestamp)
	req.Header.Set(validator.nonceHeader, nonce)
	return req
}

func TestRequireHMACAcceptsSignedRequest(t *testing.T) {
	clock := fixedHMACClock()
	metrics := &captureMetrics{}
	validator := NewHMACValidator(
		staticSecrets(map[string]string{"internal": "stall-shared-secret"}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACMetrics(metrics),
		WithHMACClock(clock),
	)

	body := []byte(`{"vendorId":"ven_01HZ3M"}`)
	timestamp := clock().Format(time.RFC3339)
	req := signInternalRequest(validator, "stall-shared-secret", body, timestamp, "nonce-reconcile-1")

	var seen *HMACMetadata
	recorder := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok {
			t.Fatal("expected hmac metadata on context")
		}
		seen = meta
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if seen.SecretName != "internal" {
		t.Fatalf("expected secret name internal, got %q", seen.SecretName)
	}
	if seen.Nonce != "nonce-reconcile-1" {
		t.Fatalf("unexpected nonce %q", seen.Nonce)
	}

	sample := metrics.last(t)
	if sample.kind != "hmac" || !sample.success || sample.reason != "ok" {
		t.Fatalf("unexpected metric sample %+v", sample)
	}
}

func TestRequireHMACRejectsReplayedNonce(t *testing.T) {
	clock := fixedHMACClock()
	metrics := &captureMetrics{}
	validator := NewHMACValidator(
		staticSecrets(map[string]string{"internal": "stall-shared-secret"}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACMetrics(metrics),
		WithHMACClock(clock),
	)

	body := []byte(`{"orderId":"ord_01HZ4K"}`)
	timestamp := clock().Format(time.RFC3339)
	middleware := validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	middleware.ServeHTTP(first, signInternalRequest(validator, "stall-shared-secret", body, timestamp, "nonce-once"))
	if first.Code != http.StatusNoContent {
		t.Fatalf("first request should succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	middleware.ServeHTTP(second, signInternalRequest(validator, "stall-shared-secret", body, timestamp, "nonce-once"))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("replay should be rejected, got %d", second.Code)
	}

	sample := metrics.last(t)
	if sample.success || sample.reason != "nonce_replay" {
		t.Fatalf("expected nonce_replay failure, got %+v", sample)
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	clock := fixedHMACClock()
	metrics := &captureMetrics{}
	validator := NewHMACValidator(
		staticSecrets(map[string]string{"internal": "stall-shared-secret"}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACMetrics(metrics),
		WithHMACClock(clock),
	)

	timestamp := clock().Format(time.RFC3339)
	signed := []byte(`{"action":"release"}`)
	req := signInternalRequest(validator, "stall-shared-secret", signed, timestamp, "nonce-tamper")
	req.Body = httptest.NewRequest(http.MethodPost, req.URL.Path, bytes.NewReader([]byte(`{"action":"refund-all"}`))).Body

	recorder := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for a tampered body")
	})).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if sample := metrics.last(t); sample.reason != "signature_mismatch" {
		t.Fatalf("expected signature_mismatch, got %+v", sample)
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	clock := fixedHMACClock()
	metrics := &captureMetrics{}
	validator := NewHMACValidator(
		staticSecrets(map[string]string{"internal": "stall-shared-secret"}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACMetrics(metrics),
		WithHMACClock(clock),
		WithHMACClockSkew(2*time.Minute),
	)

	body := []byte(`{}`)
	timestamp := clock().Add(-10 * time.Minute).Format(time.RFC3339)
	req := signInternalRequest(validator, "stall-shared-secret", body, timestamp, "nonce-stale")

	recorder := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for a stale timestamp")
	})).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if sample := metrics.last(t); sample.reason != "timestamp_skew" {
		t.Fatalf("expected timestamp_skew, got %+v", sample)
	}
}

func TestRequireHMACAcceptsHexSignatureAndUnixTimestamp(t *testing.T) {
	clock := fixedHMACClock()
	validator := NewHMACValidator(
		staticSecrets(map[string]string{"internal": "stall-shared-secret"}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(clock),
	)

	body := []byte(`{"counter":"order-number"}`)
	timestamp := strconv.FormatInt(clock().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/counters/order-number:next", bytes.NewReader(body))
	signature := computeHMAC([]byte("stall-shared-secret"), signingPayload(req, body, timestamp, "nonce-hex"))
	req.Header.Set(validator.signatureHeader, hex.EncodeToString(signature))
	req.Header.Set(validator.timestampHeader, timestamp)
	req.Header.Set(validator.nonceHeader, "nonce-hex")

	recorder := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRequireHMACUnavailableWhenSecretLookupFails(t *testing.T) {
	clock := fixedHMACClock()
	metrics := &captureMetrics{}
	validator := NewHMACValidator(
		staticSecrets(map[string]string{}),
		NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACMetrics(metrics),
		WithHMACClock(clock),
	)

	body := []byte(`{}`)
	timestamp := clock().Format(time.RFC3339)
	req := signInternalRequest(validator, "stall-shared-secret", body, timestamp, "nonce-missing-secret")

	recorder := httptest.NewRecorder()
	validator.RequireHMAC("internal")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run when the secret cannot be resolved")
	})).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if sample := metrics.last(t); sample.reason != "secret_unavailable" {
		t.Fatalf("expected secret_unavailable, got %+v", sample)
	}
}

func TestInMemoryNonceStoreSweepsExpiredEntries(t *testing.T) {
	store := NewInMemoryNonceStore()
	ctx := context.Background()

	ok, err := store.UseNonce(ctx, "internal", "n1", time.Now().Add(20*time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("first use should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = store.UseNonce(ctx, "internal", "n1", time.Now().Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("live duplicate should be rejected: ok=%v err=%v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	ok, err = store.UseNonce(ctx, "internal", "n1", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("nonce should be reusable after expiry: ok=%v err=%v", ok, err)
	}
}
