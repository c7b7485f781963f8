// Package crm pushes finished call insights to a CRM system.
//
// The shipped client is a simulator: it shapes records the way the real
// provider would (Salesforce case, Zendesk ticket, HubSpot engagement)
// and supports failure injection, standing in until a real integration
// lands. The Syncer wraps any Client with retry and persists the sync
// outcome per session.
package crm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the sync lifecycle of one session.
type State string

// Valid State values.
const (
	StateNotSynced State = "not_synced"
	StatePending   State = "pending"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

// Provider identifies the downstream CRM flavor.
type Provider string

// Supported providers.
const (
	ProviderSalesforce Provider = "salesforce"
	ProviderZendesk    Provider = "zendesk"
	ProviderHubspot    Provider = "hubspot"
)

// IsValid reports whether p is a known provider.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderSalesforce, ProviderZendesk, ProviderHubspot:
		return true
	}
	return false
}

// ErrSyncFailed is returned by a Client when the downstream rejects the
// record.
var ErrSyncFailed = errors.New("crm: sync failed")

// Payload is the call summary pushed downstream.
type Payload struct {
	SessionID        string
	Subject          string
	Summary          []string
	Sentiment        string
	Category         string
	Priority         string
	ResolutionStatus string
	FollowUpRequired bool
	Tags             []string
}

// Client pushes one payload to a CRM and returns the created record ID.
// Implementations must be safe for concurrent use.
type Client interface {
	Provider() Provider
	Sync(ctx context.Context, p Payload) (recordID string, err error)
}

// Compile-time assertion that MockClient satisfies Client.
var _ Client = (*MockClient)(nil)

// MockClient simulates a CRM integration. It produces provider-shaped
// record IDs and can inject failures at a configurable rate for tests
// and demos.
type MockClient struct {
	provider Provider
	latency  time.Duration
	failRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// MockOption configures a MockClient.
type MockOption func(*MockClient)

// WithFailureRate makes a fraction of Sync calls fail, in [0, 1].
func WithFailureRate(rate float64) MockOption {
	return func(c *MockClient) { c.failRate = rate }
}

// WithLatency simulates downstream latency per call.
func WithLatency(d time.Duration) MockOption {
	return func(c *MockClient) { c.latency = d }
}

// WithSeed makes failure injection deterministic.
func WithSeed(seed int64) MockOption {
	return func(c *MockClient) { c.rng = rand.New(rand.NewSource(seed)) }
}

// NewMockClient creates a simulator for the given provider.
func NewMockClient(provider Provider, opts ...MockOption) (*MockClient, error) {
	if !provider.IsValid() {
		return nil, fmt.Errorf("crm: unknown provider %q", provider)
	}
	c := &MockClient{
		provider: provider,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Provider implements Client.
func (c *MockClient) Provider() Provider { return c.provider }

// Sync implements Client. The returned record ID mimics the downstream
// provider's naming.
func (c *MockClient) Sync(ctx context.Context, p Payload) (string, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	fail := c.failRate > 0 && c.rng.Float64() < c.failRate
	c.mu.Unlock()
	if fail {
		return "", fmt.Errorf("%w: %s rejected session %s", ErrSyncFailed, c.provider, p.SessionID)
	}

	id := strings.ToUpper(uuid.NewString()[:8])
	switch c.provider {
	case ProviderSalesforce:
		return "SF-CASE-" + id, nil
	case ProviderZendesk:
		return "ZD-TICKET-" + id, nil
	default:
		return "HS-ENGAGEMENT-" + id, nil
	}
}
