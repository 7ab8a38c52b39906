// ABOUTME: Business HTTP handlers behind the admission filter
// ABOUTME: Consent and brand requests enqueue broker work; registry, kv, oauth, report serve directly

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-io/consentd/internal/auth"
	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/runtime"
	"github.com/meridian-io/consentd/internal/store"
)

// Handlers serves the business paths. Requests that need agent processing
// are enqueued onto the broker; the rest are answered from the store.
type Handlers struct {
	rc      *runtime.Context
	store   *store.Store
	tokens  *auth.JWTManager
	logger  *slog.Logger
	version string

	// replyTopic is where agents publish responses for requests enqueued
	// over HTTP.
	replyTopic string
}

// NewHandlers builds the business handler set. tokens may be nil, which
// disables the oauth surface with a 503.
func NewHandlers(rc *runtime.Context, st *store.Store, tokens *auth.JWTManager, replyTopic, version string, logger *slog.Logger) *Handlers {
	return &Handlers{
		rc:         rc,
		store:      st,
		tokens:     tokens,
		logger:     logger,
		version:    version,
		replyTopic: replyTopic,
	}
}

// Routes maps every protected path prefix to its handler. The gateway
// wraps each entry with the admission filter and the lifecycle gate.
func (h *Handlers) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/consent/":    http.HandlerFunc(h.handleConsent),
		"/kv/":         http.HandlerFunc(h.handleKV),
		"/oauth/":      http.HandlerFunc(h.handleOAuth),
		"/report/":     http.HandlerFunc(h.handleReport),
		"/brands/":     http.HandlerFunc(h.handleBrands),
		"/sp/":         h.registryHandler("/sp/", "service-provider"),
		"/sps/":        h.registryHandler("/sps/", "service-provider"),
		"/retailers/":  h.registryHandler("/retailers/", "retailer"),
		"/recipients/": h.registryHandler("/recipients/", "recipient"),
		"/integrator/": h.registryHandler("/integrator/", "integrator"),
		"/government/": h.registryHandler("/government/", "government"),
		"/public/":     http.HandlerFunc(h.handlePublic),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enqueue publishes a business request onto a topic and answers 202 with
// the request id the caller can correlate the async response by.
func (h *Handlers) enqueue(w http.ResponseWriter, r *http.Request, topic string, payload []byte) {
	id := uuid.New().String()
	env := broker.Envelope{ID: id, Topic: topic, ReplyTo: h.replyTopic, Payload: payload}
	if err := h.rc.Broker().Publish(r.Context(), env); err != nil {
		h.logger.Error("enqueue failed", "topic", topic, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not enqueue request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

// handleConsent enqueues consent additions and searches.
func (h *Handlers) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	topics := h.rc.Topics()
	switch strings.TrimPrefix(r.URL.Path, "/consent") {
	case "/", "":
		h.enqueue(w, r, topics.Sync.Name, body)
	case "/search":
		h.enqueue(w, r, topics.ConsentSearch.Name, body)
	default:
		writeError(w, http.StatusNotFound, "unknown consent operation")
	}
}

// handleBrands enqueues brand searches and serves the brand registry.
func (h *Handlers) handleBrands(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.TrimPrefix(r.URL.Path, "/brands") == "/search" {
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		h.enqueue(w, r, h.rc.Topics().BrandSearch.Name, body)
		return
	}
	h.registryHandler("/brands/", "brand").ServeHTTP(w, r)
}

// handleKV is a small key-value surface over the store.
func (h *Handlers) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := h.store.GetKV(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		if err != nil {
			h.logger.Error("kv get failed", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})

	case http.MethodPut:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := h.store.PutKV(r.Context(), key, body.Value); err != nil {
			h.logger.Error("kv put failed", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key})

	case http.MethodDelete:
		if err := h.store.DeleteKV(r.Context(), key); err != nil {
			h.logger.Error("kv delete failed", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleOAuth issues client-credentials tokens.
func (h *Handlers) handleOAuth(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/oauth") != "/token" {
		writeError(w, http.StatusNotFound, "unknown oauth operation")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token issuing not configured")
		return
	}

	var body struct {
		GrantType string `json:"grant_type"`
		ClientID  string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.GrantType != "client_credentials" {
		writeError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	token, expiresIn, err := h.tokens.Issue(body.ClientID)
	if err != nil {
		h.logger.Error("token issue failed", "client_id", body.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(expiresIn.Seconds()),
	})
}

// handleReport returns processing counters.
func (h *Handlers) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || strings.TrimPrefix(r.URL.Path, "/report") != "/status" {
		writeError(w, http.StatusNotFound, "unknown report operation")
		return
	}
	counters, err := h.store.Counters(r.Context())
	if err != nil {
		h.logger.Error("report failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"counters":     counters,
	})
}

// handlePublic serves unauthenticated service information.
func (h *Handlers) handlePublic(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/public") != "/info" {
		writeError(w, http.StatusNotFound, "unknown public operation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "consentd",
		"version": h.version,
		"state":   h.rc.State().String(),
	})
}

// registryHandler serves list/create/get for one entity kind.
func (h *Handlers) registryHandler(prefix, kind string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, prefix)

		switch {
		case r.Method == http.MethodGet && id == "":
			entities, err := h.store.ListEntities(r.Context(), kind)
			if err != nil {
				h.logger.Error("registry list failed", "kind", kind, "error", err)
				writeError(w, http.StatusInternalServerError, "storage error")
				return
			}
			if entities == nil {
				entities = []store.Entity{}
			}
			writeJSON(w, http.StatusOK, entities)

		case r.Method == http.MethodGet:
			entity, err := h.store.GetEntity(r.Context(), kind, id)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", kind))
				return
			}
			if err != nil {
				h.logger.Error("registry get failed", "kind", kind, "id", id, "error", err)
				writeError(w, http.StatusInternalServerError, "storage error")
				return
			}
			writeJSON(w, http.StatusOK, entity)

		case r.Method == http.MethodPost && id == "":
			var body struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Data string `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if body.Name == "" {
				writeError(w, http.StatusBadRequest, "name is required")
				return
			}
			if body.ID == "" {
				body.ID = uuid.New().String()
			}
			entity := store.Entity{ID: body.ID, Kind: kind, Name: body.Name, Data: body.Data, CreatedAt: time.Now()}
			if err := h.store.CreateEntity(r.Context(), entity); err != nil {
				h.logger.Error("registry create failed", "kind", kind, "error", err)
				writeError(w, http.StatusInternalServerError, "storage error")
				return
			}
			writeJSON(w, http.StatusCreated, entity)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}
