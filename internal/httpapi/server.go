// Package httpapi exposes the admin HTTP surface (spec.md §4.10, §6):
// Kubernetes-style health probes plus the /v1/ask, /v1/plan, /v1/observe
// control endpoints. Grounded on core/middleware.go's logging/recovery
// middleware chain and core/cors.go's CORSMiddleware, wrapped in
// otelhttp for span instrumentation the way pkg/telemetry/http.go wraps
// its own handlers.
package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/dispatcher"
	"github.com/modelmesh/atprouter/internal/lifecycle"
	"github.com/modelmesh/atprouter/internal/ports"
	"github.com/modelmesh/atprouter/internal/registry"
	"github.com/modelmesh/atprouter/internal/routing"
)

// AskRequest is the body of POST /v1/ask: a single non-streaming request
// routed and dispatched synchronously, for clients that don't speak the
// ATP frame protocol directly (spec.md §6: "a plain HTTP fallback for
// non-session clients").
type AskRequest struct {
	TenantID  string   `json:"tenant_id"`
	TaskType  string   `json:"task_type"`
	Languages []string `json:"languages,omitempty"`
	DataScope []string `json:"data_scope,omitempty"`
	LatencySLOMs int64 `json:"latency_slo_ms,omitempty"`
	MaxUSDMicros int64 `json:"max_usd_micros,omitempty"`
	Payload   string   `json:"payload"`
}

// AskResponse is the synthesized terminal response for POST /v1/ask.
type AskResponse struct {
	AdapterName string `json:"adapter_name"`
	Payload     string `json:"payload"`
	TokensUsed  int    `json:"tokens_used"`
	USDMicros   int64  `json:"usd_micros"`
	FailedOver  bool   `json:"failed_over"`
}

// PlanResponse is the body of GET /v1/plan: the current routing decision
// the engine would make for a given request shape, without dispatching
// it (useful for debugging weight/bandit behavior).
type PlanResponse struct {
	Champion      string  `json:"champion"`
	Challenger    string  `json:"challenger,omitempty"`
	Score         float64 `json:"score"`
	RejectedCount int     `json:"rejected_count"`
}

// Deps bundles the components the admin surface reads from. Any field
// may be nil; handlers degrade gracefully (reporting empty results)
// rather than panicking, since not every deployment wires every port.
type Deps struct {
	Logger      core.Logger
	Coordinator *lifecycle.Coordinator
	Registry    *registry.Registry
	Engine      *routing.Engine
	Dispatcher  *dispatcher.Dispatcher
	CORS        *core.CORSConfig
}

// NewHandler builds the full admin HTTP surface as a single http.Handler,
// wrapped in the teacher's logging/recovery/CORS middleware chain and
// otelhttp instrumentation.
func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealthz(deps))
	mux.HandleFunc("/livez", handleProbe(deps, func(c *lifecycle.Coordinator) bool { return c.Livez() }))
	mux.HandleFunc("/readyz", handleProbe(deps, func(c *lifecycle.Coordinator) bool { return c.Readyz() }))
	mux.HandleFunc("/startupz", handleProbe(deps, func(c *lifecycle.Coordinator) bool { return c.Startupz() }))
	mux.HandleFunc("/v1/ask", handleAsk(deps))
	mux.HandleFunc("/v1/plan", handlePlan(deps))
	mux.HandleFunc("/v1/observe", handleObserve(deps))

	var handler http.Handler = mux
	handler = core.RecoveryMiddleware(deps.Logger)(handler)
	handler = core.LoggingMiddleware(deps.Logger, false)(handler)
	if deps.CORS != nil && deps.CORS.Enabled {
		handler = core.CORSMiddleware(deps.CORS)(handler)
	}
	return otelhttp.NewHandler(handler, "atprouter.http")
}

func handleHealthz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Logger, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func handleProbe(deps Deps, check func(*lifecycle.Coordinator) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok := deps.Coordinator == nil || check(deps.Coordinator)
		if !ok {
			writeJSON(w, deps.Logger, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, deps.Logger, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.Engine == nil || deps.Dispatcher == nil || deps.Registry == nil {
			writeError(w, deps.Logger, http.StatusServiceUnavailable, atp.NewError(atp.CodeInternal, "", "routing not wired"))
			return
		}
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, deps.Logger, http.StatusBadRequest, atp.NewError(atp.CodeParse, "", err.Error()))
			return
		}

		candidates := toRoutingCandidates(deps.Registry.ListCompatible(req.TaskType, req.Languages, 0, nil, time.Now()))
		routeReq := routing.Request{
			TenantID:         req.TenantID,
			TaskType:         req.TaskType,
			RequiredFeatures: nil,
			DataScope:        req.DataScope,
			LatencySLOMs:     req.LatencySLOMs,
			MaxUSDMicros:     req.MaxUSDMicros,
		}
		decision, err := deps.Engine.Route(routeReq, candidates, time.Now())
		if err != nil {
			writeError(w, deps.Logger, http.StatusServiceUnavailable, err)
			return
		}

		budget := atp.NewBudget(atp.Window{MaxParallel: 1, MaxTokens: 1 << 20, MaxUSDMicros: req.MaxUSDMicros})
		var body bytes.Buffer
		result, err := deps.Dispatcher.Dispatch(r.Context(), "", decision,
			atp.Meta{TaskType: req.TaskType, Languages: req.Languages, DataScope: req.DataScope},
			[]byte(req.Payload), budget, 1, req.LatencySLOMs,
			dispatcher.FragmentHandler(func(c ports.AdapterChunk) error {
				body.Write(c.Payload)
				return nil
			}))
		if err != nil {
			writeError(w, deps.Logger, http.StatusBadGateway, err)
			return
		}

		writeJSON(w, deps.Logger, http.StatusOK, AskResponse{
			AdapterName: result.AdapterName,
			Payload:     body.String(),
			TokensUsed:  result.Usage.Tokens,
			USDMicros:   result.Usage.USDMicros,
			FailedOver:  result.FailedOver,
		})
	}
}

func handlePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Engine == nil || deps.Registry == nil {
			writeError(w, deps.Logger, http.StatusServiceUnavailable, atp.NewError(atp.CodeInternal, "", "routing not wired"))
			return
		}
		taskType := r.URL.Query().Get("task_type")
		candidates := toRoutingCandidates(deps.Registry.ListCompatible(taskType, nil, 0, nil, time.Now()))
		decision, err := deps.Engine.Route(routing.Request{TaskType: taskType}, candidates, time.Now())
		if err != nil {
			writeError(w, deps.Logger, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, deps.Logger, http.StatusOK, PlanResponse{
			Champion:      decision.Champion,
			Challenger:    decision.Challenger,
			Score:         decision.Score,
			RejectedCount: decision.RejectedCount,
		})
	}
}

func handleObserve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Registry == nil {
			writeJSON(w, deps.Logger, http.StatusOK, map[string]interface{}{"adapters": []string{}})
			return
		}
		names := deps.Registry.Names()
		writeJSON(w, deps.Logger, http.StatusOK, map[string]interface{}{"adapters": names})
	}
}

func toRoutingCandidates(rcands []registry.Candidate) []routing.Candidate {
	out := make([]routing.Candidate, 0, len(rcands))
	for _, c := range rcands {
		out = append(out, routing.Candidate{
			Name:                c.Name,
			SupportsFeatures:    c.Capability.Features,
			DataScopes:          c.Capability.DataScopes,
			P95LatencyMs:        int64(c.Health.P95LatencyMs),
			EstimatedCostMicros: c.Capability.EstimatedUSDMicros,
			ErrorRate:           c.Health.ErrorRate,
			Staleness:           c.Staleness,
			BreakerOpen:         !c.Ready,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, logger core.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, logger core.Logger, status int, err error) {
	writeJSON(w, logger, status, map[string]string{"error": err.Error()})
}
