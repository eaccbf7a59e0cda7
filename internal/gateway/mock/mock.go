// Package mock provides a scriptable gateway.Client for tests and for
// running the service without provider credentials.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
)

// Gateway records every request it receives. InitiateFunc and QueryFunc
// override the default behaviour when set.
type Gateway struct {
	InitiateFunc func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error)
	QueryFunc    func(ctx context.Context, token string) (gateway.QueryResult, error)

	// AutoApproveAfter makes Query report success once this long has passed
	// since initiation. Zero leaves payments pending until scripted.
	AutoApproveAfter time.Duration

	mu        sync.Mutex
	initiated []gateway.InitiateRequest
	issuedAt  map[string]time.Time
	outcomes  map[string]gateway.QueryResult
	queries   map[string]int
}

var _ gateway.Client = (*Gateway)(nil)

// New returns a Gateway that accepts every push request.
func New() *Gateway {
	return &Gateway{
		issuedAt: make(map[string]time.Time),
		outcomes: make(map[string]gateway.QueryResult),
		queries:  make(map[string]int),
	}
}

func (g *Gateway) Name() string { return "mock" }

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
	req, err := req.Validate()
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	g.mu.Lock()
	g.initiated = append(g.initiated, req)
	g.mu.Unlock()

	var res gateway.InitiateResult
	if g.InitiateFunc != nil {
		res, err = g.InitiateFunc(ctx, req)
		if err != nil {
			return res, err
		}
	} else {
		res = gateway.InitiateResult{
			Token:             "ws_CO_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			MerchantRequestID: uuid.NewString(),
			Accepted:          true,
			ResponseCode:      "0",
			Description:       "Success. Request accepted for processing",
		}
	}
	if res.Token != "" {
		g.mu.Lock()
		g.issuedAt[res.Token] = time.Now()
		g.mu.Unlock()
	}
	return res, nil
}

func (g *Gateway) Query(ctx context.Context, token string) (gateway.QueryResult, error) {
	g.mu.Lock()
	g.queries[token]++
	out, scripted := g.outcomes[token]
	issued, known := g.issuedAt[token]
	g.mu.Unlock()

	if g.QueryFunc != nil {
		return g.QueryFunc(ctx, token)
	}
	if scripted {
		return out, nil
	}
	if known && g.AutoApproveAfter > 0 && time.Since(issued) >= g.AutoApproveAfter {
		return gateway.QueryResult{
			Outcome:    gateway.OutcomeSuccess,
			Receipt:    fmt.Sprintf("MOCK%08X", uint32(issued.UnixNano())),
			ResultCode: "0",
			ResultDesc: "The service request is processed successfully.",
		}, nil
	}
	return gateway.QueryResult{Outcome: gateway.OutcomePending}, nil
}

// SetOutcome scripts the result Query returns for token.
func (g *Gateway) SetOutcome(token string, res gateway.QueryResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[token] = res
}

// Initiated returns the validated requests seen so far.
func (g *Gateway) Initiated() []gateway.InitiateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.InitiateRequest(nil), g.initiated...)
}

// Queries returns how many times token was queried.
func (g *Gateway) Queries(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries[token]
}
