// Package selector decides where one inference request should go:
// a recognized cloud provider, or a latency-ordered list of local
// endpoint candidates to try in turn.
package selector

import (
	"fmt"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/registry"
)

// Result is the outcome of a Select call. Exactly one of Cloud and
// Candidates is populated on success.
type Result struct {
	Cloud      *cloudrouter.Target
	Candidates []*registry.Entry
}

// Selector combines cloud-prefix recognition with the local registry's
// capability- and latency-aware candidate ordering.
type Selector struct {
	cloud *cloudrouter.Router
	reg   *registry.Registry
}

// New builds a Selector over an existing cloud router and registry.
func New(cloud *cloudrouter.Router, reg *registry.Registry) *Selector {
	return &Selector{cloud: cloud, reg: reg}
}

// Select resolves modelID for the given required capability. Cloud
// prefixes are checked first and bypass the registry entirely. For
// local models, candidates come back sorted ascending by latency EMA
// so the caller (ProxyCore) can walk them in order on failover.
//
// Errors returned:
//   - errs.InvalidInput: modelID looks cloud-prefixed but the prefix
//     isn't one of the recognized providers.
//   - errs.NotFound: no endpoint has ever declared modelID.
//   - errs.NoCapableCandidate: modelID is known but none of its
//     endpoints declare the requested capability.
//   - errs.Unavailable: modelID is known and capable but every
//     endpoint that serves it is currently offline.
func (s *Selector) Select(modelID string, cap endpoint.Capability) (Result, error) {
	if target, ok := s.cloud.Match(modelID); ok {
		return Result{Cloud: &target}, nil
	}
	if cloudrouter.HasUnrecognizedColonPrefix(modelID) {
		return Result{}, cloudrouter.ErrUnsupportedProvider()
	}

	candidates := s.reg.FindByModelSortedByLatency(modelID, cap)
	if len(candidates) > 0 {
		return Result{Candidates: candidates}, nil
	}

	known, caps := s.reg.ModelCapabilities(modelID)
	if !known {
		return Result{}, errs.New(errs.NotFound, fmt.Sprintf("model %q not found", modelID))
	}
	if !caps[cap] {
		return Result{}, errs.New(errs.NoCapableCandidate,
			fmt.Sprintf("model %q does not support capability %q", modelID, cap))
	}
	return Result{}, errs.New(errs.Unavailable, fmt.Sprintf("no online endpoint currently serves model %q", modelID))
}
