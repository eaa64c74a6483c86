package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, url string, rec *sleepRecorder, opts ...ClientOption) *RelworxClient {
	t.Helper()
	base := []ClientOption{
		WithSleep(rec.sleep),
		WithLogger(quietLogger()),
		WithBackoff(100*time.Millisecond, time.Second),
	}
	return NewRelworxClient("REL-ACC-1", "secret-api-key", url, append(base, opts...)...)
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"message":"upstream busy"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"internal_reference":"abc","attempt":3}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec)

	res := client.Send(context.Background(), EndpointMobileMoney, map[string]string{"reference": "AP-TEST-0001"})

	require.True(t, res.Succeeded)
	require.Equal(t, 3, res.Attempts)
	require.JSONEq(t, `{"success":true,"internal_reference":"abc","attempt":3}`, string(res.Body))
	require.Equal(t, int32(3), calls.Load())

	require.Len(t, rec.delays, 2)
	require.Equal(t, 100*time.Millisecond, rec.delays[0])
	require.Equal(t, 200*time.Millisecond, rec.delays[1])
	require.GreaterOrEqual(t, rec.delays[1], rec.delays[0])
}

func TestSend_ExhaustedAttemptsReturnsDiagnostic(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"insufficient float"}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec)

	res := client.Send(context.Background(), EndpointMobileMoney, map[string]string{})

	require.False(t, res.Succeeded)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, rec.delays, 2)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &diag))
	require.Equal(t, "Relworx API failed after retries", diag["message"])
	require.NotEmpty(t, diag["correlation_id"])
	require.Equal(t, "Relworx API failed after retries", res.Message())
	require.NotContains(t, string(res.Body), "secret-api-key")
}

func TestSend_RateLimitedIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"slow down"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec)

	res := client.Send(context.Background(), EndpointCard, map[string]string{})

	require.True(t, res.Succeeded)
	require.Equal(t, 2, res.Attempts)
	require.Len(t, rec.delays, 1)
}

func TestSend_MalformedBodyCountsAsFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec, WithMaxAttempts(2))

	res := client.Send(context.Background(), EndpointMobileMoney, map[string]string{})

	require.False(t, res.Succeeded)
	require.Equal(t, int32(2), calls.Load())
	require.Contains(t, string(res.Body), "malformed response body")
}

func TestSend_TransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, url, rec)

	res := client.Send(context.Background(), EndpointMobileMoney, map[string]string{})

	require.False(t, res.Succeeded)
	require.Equal(t, 3, res.Attempts)
	require.Len(t, rec.delays, 2)
}

func TestSend_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec, WithMaxAttempts(1), WithAttemptTimeout(50*time.Millisecond))

	start := time.Now()
	res := client.Send(context.Background(), EndpointMobileMoney, map[string]string{})

	require.False(t, res.Succeeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSend_BackoffIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(t, srv.URL, rec, WithMaxAttempts(5), WithBackoff(time.Second, 3*time.Second))

	client.Send(context.Background(), EndpointMobileMoney, map[string]string{})

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, rec.delays)
}

func TestRequestPayment_SendsHeadersAndPayload(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &sleepRecorder{})

	res := client.RequestPayment(context.Background(), Charge{
		Method:           "mobile_money",
		Reference:        "AP-REF-12345",
		Currency:         "UGX",
		Amount:           decimal.RequireFromString("25000"),
		SubscriptionType: "renew",
		Msisdn:           "+256772123456",
		Provider:         "mtn",
	})

	require.True(t, res.Succeeded)
	require.Equal(t, EndpointMobileMoney, gotPath)
	require.Equal(t, "Bearer secret-api-key", gotAuth)
	require.Equal(t, "REL-ACC-1", gotBody["account_no"])
	require.Equal(t, "AP-REF-12345", gotBody["reference"])
	require.Equal(t, "UGX", gotBody["currency"])
	require.Equal(t, float64(25000), gotBody["amount"])
	require.Equal(t, "ApplePark IPTV - renew", gotBody["description"])
	require.Equal(t, "+256772123456", gotBody["msisdn"])
	require.Equal(t, "mtn", gotBody["provider"])
}

func TestBuildRequest_CardOmitsMobileFields(t *testing.T) {
	client := NewRelworxClient("REL-ACC-1", "k", "http://unused")

	endpoint, req := client.BuildRequest(Charge{
		Method:    "card",
		Reference: "AP-REF-12345",
		Currency:  "UGX",
		Amount:    decimal.NewFromInt(1000),
		Msisdn:    "+256772123456",
		Provider:  "mtn",
	})

	require.Equal(t, EndpointCard, endpoint)
	require.Empty(t, req.Msisdn)
	require.Empty(t, req.Provider)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(data), "msisdn"))
}

func TestEndpointFor(t *testing.T) {
	tests := map[string]string{
		"mobile_money": EndpointMobileMoney,
		"card":         EndpointCard,
		"":             EndpointMobileMoney,
		"bitcoin":      EndpointMobileMoney,
	}
	for method, want := range tests {
		require.Equal(t, want, EndpointFor(method), "method %q", method)
	}
}
