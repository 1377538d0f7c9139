package idv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signgate/internal/config"
	"signgate/internal/errs"
)

func testClient(url string) *Client {
	return NewClient(config.Config{
		IDVBaseURL:     url,
		IDVAPIKey:      "key-1",
		IDVWorkflowID:  "wf-1",
		IDVCallbackURL: "https://app.example/cb",
		IDVTimeoutSec:  2,
	}, nil)
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/session/", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("x-api-key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "wf-1", body["workflow_id"])
		require.Equal(t, "signer-1", body["vendor_data"])
		require.Equal(t, map[string]any{"first_name": "Ada", "last_name": "King Lovelace"}, body["expected_details"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"sess-1","url":"https://verify.example/s/1"}`))
	}))
	defer srv.Close()

	s, err := testClient(srv.URL).CreateSession(context.Background(), SessionRequest{VendorData: "signer-1", Email: "ada@example.com", ExpectedName: "Ada King Lovelace"})
	require.NoError(t, err)
	require.Equal(t, Session{SessionID: "sess-1", URL: "https://verify.example/s/1"}, s)
}

func TestCreateSessionMapsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad workflow"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateSession(context.Background(), SessionRequest{VendorData: "x"})
	require.Error(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, errs.HTTPStatus(err))
}

func TestCreateSessionRequiresConfig(t *testing.T) {
	c := NewClient(config.Config{IDVTimeoutSec: 1}, nil)
	_, err := c.CreateSession(context.Background(), SessionRequest{})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestGetDecisionPrefersDecisionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/session/sess-1/decision/", r.URL.Path)
		_, _ = w.Write([]byte(`{"session_id":"sess-1","status":"In Review","decision":{"status":"Declined","reason":"document_expired"}}`))
	}))
	defer srv.Close()

	d, err := testClient(srv.URL).GetDecision(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "Declined", d.Status)
	require.Equal(t, "document_expired", d.Reason)
	require.NotEmpty(t, d.Raw)
}

func TestGetDecisionTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.client.Timeout = 50 * time.Millisecond
	_, err := c.GetDecision(context.Background(), "sess-1")
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, errs.HTTPStatus(err))
}
