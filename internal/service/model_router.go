package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
)

// providerPrefixes maps model-name prefixes to provider types. Longest
// case-insensitive prefix match wins.
var providerPrefixes = []struct {
	prefix string
	pt     models.ProviderType
}{
	{"claude-", models.ProviderAnthropic},
	{"gemini-", models.ProviderGoogle},
	{"gpt-", models.ProviderOpenAI},
}

// maxRedirectDepth bounds model redirect chains.
const maxRedirectDepth = 10

// RouteResult carries the filtered candidate set and the trace.
type RouteResult struct {
	ProviderType models.ProviderType
	Candidates   []*models.Upstream
	// ResolvedModels maps upstream id to the model name after that upstream's
	// redirects. The request body itself is never rewritten.
	ResolvedModels map[string]string
	Decision       *models.RoutingDecision
}

// ModelRouter maps a model name to the set of eligible upstreams.
type ModelRouter struct {
	store   *UpstreamStore
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewModelRouter creates a new ModelRouter.
func NewModelRouter(store *UpstreamStore, breaker *CircuitBreaker, logger *zap.Logger) *ModelRouter {
	return &ModelRouter{
		store:   store,
		breaker: breaker,
		logger:  logger,
	}
}

// ProviderTypeFor resolves the provider type by longest case-insensitive
// prefix match; the second return is false when no prefix matches.
func ProviderTypeFor(model string) (models.ProviderType, bool) {
	lower := strings.ToLower(model)
	var best models.ProviderType
	bestLen := -1
	for _, entry := range providerPrefixes {
		if strings.HasPrefix(lower, entry.prefix) && len(entry.prefix) > bestLen {
			best = entry.pt
			bestLen = len(entry.prefix)
		}
	}
	return best, bestLen >= 0
}

// Route builds the candidate set for a model, filtered by redirects,
// allow-lists, the circuit breaker, and the API key's allowed upstreams.
// Store ordering is preserved throughout. An empty final set fails with
// NO_UPSTREAMS_CONFIGURED; the trace is populated either way.
func (r *ModelRouter) Route(ctx context.Context, model string, allowedUpstreamIDs []string) (*RouteResult, error) {
	decision := &models.RoutingDecision{
		OriginalModel: model,
		ResolvedModel: model,
		RoutingType:   "auto",
	}
	result := &RouteResult{
		ResolvedModels: make(map[string]string),
		Decision:       decision,
	}

	pt, ok := ProviderTypeFor(model)
	if !ok {
		return result, proxyerr.New(proxyerr.KindNoUpstreams, "no provider type for model "+model)
	}
	decision.ProviderType = pt
	result.ProviderType = pt

	upstreams, err := r.store.ListByProviderType(ctx, pt)
	if err != nil {
		return result, proxyerr.Wrap(proxyerr.KindServiceUnavailable, "load upstreams", err)
	}
	decision.CandidateCount = len(upstreams)

	allowed := make(map[string]bool, len(allowedUpstreamIDs))
	for _, id := range allowedUpstreamIDs {
		allowed[id] = true
	}

	for _, up := range upstreams {
		if !up.IsActive {
			r.exclude(decision, up, models.ExcludedInactive)
			continue
		}

		resolved, _, ok := resolveRedirects(up, model)
		if !ok {
			// Redirect cycle or over-deep chain: configuration error on this
			// upstream, which therefore cannot serve the model.
			r.logger.Warn("model redirect cycle detected",
				zap.String("upstream", up.Name),
				zap.String("model", model))
			r.exclude(decision, up, models.ExcludedModelNotAllowed)
			continue
		}
		if !up.AllowsModel(resolved) {
			r.exclude(decision, up, models.ExcludedModelNotAllowed)
			continue
		}

		blocking, err := r.breaker.IsBlocking(ctx, up.ID)
		if err != nil {
			return result, proxyerr.Wrap(proxyerr.KindServiceUnavailable, "read breaker state", err)
		}
		if blocking {
			r.exclude(decision, up, models.ExcludedCircuitOpen)
			continue
		}

		if !allowed[up.ID] {
			r.exclude(decision, up, models.ExcludedDisallowedForKey)
			continue
		}

		state := models.BreakerClosed
		if snap, err := r.breaker.Snapshot(ctx, up.ID); err == nil {
			state = snap.State
		}
		decision.Candidates = append(decision.Candidates, models.RoutingCandidate{
			UpstreamID:   up.ID,
			Name:         up.Name,
			Weight:       up.Weight,
			CircuitState: state,
		})
		result.Candidates = append(result.Candidates, up)
		result.ResolvedModels[up.ID] = resolved
	}

	decision.FinalCandidateCount = len(result.Candidates)
	if len(result.Candidates) == 0 {
		return result, proxyerr.New(proxyerr.KindNoUpstreams, "no eligible upstream for model "+model)
	}
	return result, nil
}

// Resolve records the selected upstream on the decision trace.
func (res *RouteResult) Resolve(selected *models.Upstream, strategy models.LoadBalanceStrategy) {
	res.Decision.SelectedUpstreamID = selected.ID
	res.Decision.SelectionStrategy = string(strategy)
	if resolved, ok := res.ResolvedModels[selected.ID]; ok {
		res.Decision.ResolvedModel = resolved
		res.Decision.ModelRedirectApplied = resolved != res.Decision.OriginalModel
	}
}

func (r *ModelRouter) exclude(d *models.RoutingDecision, up *models.Upstream, reason models.ExclusionReason) {
	d.Excluded = append(d.Excluded, models.RoutingExclusion{
		UpstreamID: up.ID,
		Name:       up.Name,
		Reason:     reason,
	})
}

// resolveRedirects follows the upstream's model redirect chain. The third
// return is false on a cycle or a chain deeper than maxRedirectDepth.
func resolveRedirects(up *models.Upstream, model string) (string, bool, bool) {
	if len(up.ModelRedirects) == 0 {
		return model, false, true
	}

	visited := map[string]bool{model: true}
	current := model
	for depth := 0; depth < maxRedirectDepth; depth++ {
		target, ok := up.ModelRedirects[current]
		if !ok {
			return current, current != model, true
		}
		if visited[target] {
			return "", false, false
		}
		visited[target] = true
		current = target
	}

	// Chain still unresolved at max depth.
	if _, more := up.ModelRedirects[current]; more {
		return "", false, false
	}
	return current, current != model, true
}
