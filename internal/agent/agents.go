// ABOUTME: The fixed agent set: sync response, consent search, brand search, status report
// ABOUTME: Each agent owns one topic and turns inbound requests into response payloads

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/crypto"
	"github.com/meridian-io/consentd/internal/store"
)

// SyncRequest is a consent add/remove result applied by the sync agent.
type SyncRequest struct {
	Recipient string `json:"recipient"`
	Brand     string `json:"brand"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Source    string `json:"source"`
}

// SearchRequest asks for one recipient's consent state.
type SearchRequest struct {
	Recipient string `json:"recipient"`
	Brand     string `json:"brand"`
	Type      string `json:"type"`
}

// SearchResponse is the consent state answer. It is sealed by the crypto
// session before it leaves the daemon.
type SearchResponse struct {
	Recipient string `json:"recipient"`
	Brand     string `json:"brand"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// BrandSearchRequest asks for brands matching a name fragment.
type BrandSearchRequest struct {
	Query string `json:"query"`
}

// BrandSearchResponse lists the matching brands.
type BrandSearchResponse struct {
	Query  string         `json:"query"`
	Brands []store.Entity `json:"brands"`
}

// SyncResponseAgent applies consent change results from the sync topic to
// the store and emits an applied acknowledgment.
type SyncResponseAgent struct {
	topic broker.Topic
	store *store.Store
}

// NewSyncResponseAgent creates the sync agent.
func NewSyncResponseAgent(topic broker.Topic, st *store.Store) *SyncResponseAgent {
	return &SyncResponseAgent{topic: topic, store: st}
}

func (a *SyncResponseAgent) Name() string        { return "sync-response" }
func (a *SyncResponseAgent) Topic() broker.Topic { return a.topic }

func (a *SyncResponseAgent) Consume(ctx context.Context, msg broker.Message) ([]byte, error) {
	var req SyncRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		return nil, fmt.Errorf("decoding sync request: %w", err)
	}
	if req.Recipient == "" || req.Brand == "" {
		return nil, errors.New("sync request missing recipient or brand")
	}

	err := a.store.UpsertConsent(ctx, store.Consent{
		Recipient: req.Recipient,
		Brand:     req.Brand,
		Type:      req.Type,
		Status:    req.Status,
		Source:    req.Source,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	_ = a.store.IncrementCounter(ctx, "sync_applied")

	return json.Marshal(map[string]any{"id": msg.ID(), "applied": true})
}

// ConsentSearchAgent answers consent lookups. Responses are sealed with
// the crypto session before publishing.
type ConsentSearchAgent struct {
	topic   broker.Topic
	store   *store.Store
	session crypto.Session
}

// NewConsentSearchAgent creates the consent search agent.
func NewConsentSearchAgent(topic broker.Topic, st *store.Store, session crypto.Session) *ConsentSearchAgent {
	return &ConsentSearchAgent{topic: topic, store: st, session: session}
}

func (a *ConsentSearchAgent) Name() string        { return "consent-search" }
func (a *ConsentSearchAgent) Topic() broker.Topic { return a.topic }

func (a *ConsentSearchAgent) Consume(ctx context.Context, msg broker.Message) ([]byte, error) {
	var req SearchRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		return nil, fmt.Errorf("decoding search request: %w", err)
	}

	resp := SearchResponse{Recipient: req.Recipient, Brand: req.Brand, Type: req.Type, Status: "none"}
	consent, err := a.store.GetConsent(ctx, req.Recipient, req.Brand, req.Type)
	switch {
	case err == nil:
		resp.Status = consent.Status
		resp.UpdatedAt = consent.UpdatedAt.UTC().Format(time.RFC3339)
	case errors.Is(err, store.ErrNotFound):
		// "none" stands for no recorded consent.
	default:
		return nil, err
	}

	plain, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding search response: %w", err)
	}
	sealed, err := a.session.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("sealing search response: %w", err)
	}
	_ = a.store.IncrementCounter(ctx, "consent_search")
	return sealed, nil
}

// BrandSearchAgent answers brand lookups from the registry.
type BrandSearchAgent struct {
	topic broker.Topic
	store *store.Store
}

// NewBrandSearchAgent creates the brand search agent.
func NewBrandSearchAgent(topic broker.Topic, st *store.Store) *BrandSearchAgent {
	return &BrandSearchAgent{topic: topic, store: st}
}

func (a *BrandSearchAgent) Name() string        { return "brand-search" }
func (a *BrandSearchAgent) Topic() broker.Topic { return a.topic }

func (a *BrandSearchAgent) Consume(ctx context.Context, msg broker.Message) ([]byte, error) {
	var req BrandSearchRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		return nil, fmt.Errorf("decoding brand search request: %w", err)
	}

	brands, err := a.store.SearchEntities(ctx, "brand", req.Query)
	if err != nil {
		return nil, err
	}
	if brands == nil {
		brands = []store.Entity{}
	}
	_ = a.store.IncrementCounter(ctx, "brand_search")
	return json.Marshal(BrandSearchResponse{Query: req.Query, Brands: brands})
}

// StatusReportAgent assembles processing counters into a report message.
type StatusReportAgent struct {
	topic broker.Topic
	store *store.Store
}

// NewStatusReportAgent creates the status report agent.
func NewStatusReportAgent(topic broker.Topic, st *store.Store) *StatusReportAgent {
	return &StatusReportAgent{topic: topic, store: st}
}

func (a *StatusReportAgent) Name() string        { return "status-report" }
func (a *StatusReportAgent) Topic() broker.Topic { return a.topic }

func (a *StatusReportAgent) Consume(ctx context.Context, msg broker.Message) ([]byte, error) {
	counters, err := a.store.Counters(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"id":           msg.ID(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"counters":     counters,
	})
}
