// ABOUTME: Tests for the business HTTP handlers
// ABOUTME: Covers enqueue paths, kv, oauth token issue, registry CRUD, and report

package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/consentd/internal/auth"
	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/crypto"
	"github.com/meridian-io/consentd/internal/runtime"
	"github.com/meridian-io/consentd/internal/store"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newHandlers(t *testing.T) (*Handlers, *broker.MemoryClient, *store.Store) {
	t.Helper()
	client := broker.NewMemoryClient()
	session, err := crypto.OpenSession(testKey)
	require.NoError(t, err)
	st, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rc := runtime.NewContext(client, session, broker.Topics("test"))
	rc.SetState(runtime.StateRunning)

	tokens, err := auth.NewJWTManager([]byte("test-secret-at-least-32-bytes-long"), time.Hour)
	require.NoError(t, err)

	h := NewHandlers(rc, st, tokens, "test.responses", "test", slog.Default())
	return h, client, st
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	h.ServeHTTP(rec, req)
	return rec
}

func TestConsentAddEnqueues(t *testing.T) {
	h, client, _ := newHandlers(t)
	routes := h.Routes()

	rec := do(routes["/consent/"], http.MethodPost, "/consent/", `{"recipient":"r1","brand":"b1","type":"call","status":"approved"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["request_id"])

	n, err := client.Backlog(context.Background(), "random", broker.Topics("test").Sync)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestConsentSearchEnqueuesWithReplyTopic(t *testing.T) {
	h, client, _ := newHandlers(t)
	routes := h.Routes()

	topic := broker.Topics("test").ConsentSearch
	consumer, err := client.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	rec := do(routes["/consent/"], http.MethodPost, "/consent/search", `{"recipient":"r1","brand":"b1","type":"call"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msg, err := consumer.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "test.responses", msg.ReplyTo())
}

func TestConsentRejectsInvalidBody(t *testing.T) {
	h, _, _ := newHandlers(t)
	rec := do(h.Routes()["/consent/"], http.MethodPost, "/consent/", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrandSearchEnqueues(t *testing.T) {
	h, client, _ := newHandlers(t)
	rec := do(h.Routes()["/brands/"], http.MethodPost, "/brands/search", `{"query":"acme"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	n, err := client.Backlog(context.Background(), "random", broker.Topics("test").BrandSearch)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestKVRoundTrip(t *testing.T) {
	h, _, _ := newHandlers(t)
	kv := h.Routes()["/kv/"]

	rec := do(kv, http.MethodPut, "/kv/greeting", `{"value":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(kv, http.MethodGet, "/kv/greeting", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hello")

	rec = do(kv, http.MethodDelete, "/kv/greeting", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(kv, http.MethodGet, "/kv/greeting", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthTokenIssue(t *testing.T) {
	h, _, _ := newHandlers(t)
	oauth := h.Routes()["/oauth/"]

	rec := do(oauth, http.MethodPost, "/oauth/token", `{"grant_type":"client_credentials","client_id":"integrator-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 3600, resp.ExpiresIn)
}

func TestOAuthRejectsBadGrant(t *testing.T) {
	h, _, _ := newHandlers(t)
	rec := do(h.Routes()["/oauth/"], http.MethodPost, "/oauth/token", `{"grant_type":"password","client_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryCRUD(t *testing.T) {
	h, _, _ := newHandlers(t)
	retailers := h.Routes()["/retailers/"]

	rec := do(retailers, http.MethodPost, "/retailers/", `{"name":"Corner Shop"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "retailer", created.Kind)

	rec = do(retailers, http.MethodGet, "/retailers/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(retailers, http.MethodGet, "/retailers/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = do(retailers, http.MethodGet, "/retailers/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(retailers, http.MethodPost, "/retailers/", `{"data":"no name"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportStatus(t *testing.T) {
	h, _, st := newHandlers(t)
	require.NoError(t, st.IncrementCounter(context.Background(), "sync_applied"))

	rec := do(h.Routes()["/report/"], http.MethodGet, "/report/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sync_applied")
}

func TestPublicInfo(t *testing.T) {
	h, _, _ := newHandlers(t)
	rec := do(h.Routes()["/public/"], http.MethodGet, "/public/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"running"`)
}

func TestRoutesCoverAllProtectedPrefixes(t *testing.T) {
	h, _, _ := newHandlers(t)
	routes := h.Routes()
	for _, prefix := range []string{
		"/consent/", "/kv/", "/oauth/", "/report/", "/sp/", "/retailers/",
		"/brands/", "/sps/", "/recipients/", "/integrator/", "/public/", "/government/",
	} {
		require.Contains(t, routes, prefix)
	}
}
