package failover

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/profiles"
	"github.com/harun/kirana/pkg/provider"
)

// compactKeep is how many trailing non-system messages survive the
// tool-name-validation retry. Retrying with the full history would just
// hit the same stale tool-call reference again.
const compactKeep = 6

var (
	errStreamEnded = errors.New("stream ended without response")
	errNoResponse  = errors.New("provider returned no response")
)

// CallParams describes one model call the engine should complete, trying
// fallback models and credential profiles as needed.
type CallParams struct {
	Messages     []provider.Message
	Tools        []provider.ToolDefinition
	PrimaryModel string
	Temperature  float64
	MaxTokens    int

	// OnDelta receives streamed content. Deltas are buffered internally
	// and only flushed when the streaming attempt succeeds, so a failed
	// first candidate never leaks partial output.
	OnDelta     func(string)
	AllowStream bool
}

// Result is the outcome of a Call: the response (possibly error-tagged
// after total exhaustion) and the model that produced it.
type Result struct {
	Response *provider.ModelResponse
	Model    string
}

// Engine routes model calls across fallback models and credential
// profiles, maintaining cooldowns on both axes. A single Engine serves
// the whole process; all methods are safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	factory  provider.Factory
	profiles *profiles.Store
	tracker  *CooldownTracker
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEngine creates a fallback engine. store may be nil when no
// credential profiles are configured.
func NewEngine(cfg *config.Config, factory provider.Factory, store *profiles.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		factory:  factory,
		profiles: store,
		tracker:  NewCooldownTracker(),
		now:      time.Now,
		logger:   logger.With().Str("component", "failover").Logger(),
	}
}

// Tracker exposes the model cooldown tracker.
func (e *Engine) Tracker() *CooldownTracker {
	return e.tracker
}

// Call runs the fallback algorithm: try each candidate model in order
// (primary first, cooled models last), and for each model try the base
// credential then each configured profile, until exactly one call
// succeeds. On exhaustion the last failure is returned tagged with the
// primary model.
func (e *Engine) Call(ctx context.Context, params CallParams) Result {
	primary := params.PrimaryModel
	if primary == "" {
		primary = e.cfg.Models.Default
	}
	candidates := e.orderCandidates(primary)

	var last *provider.ModelResponse
	streamUsed := false
	compacted := false

	for idx, candidate := range candidates {
		family := e.cfg.ProviderFamily(candidate)
		profileIDs := e.profileCandidates(family)

		for pidx, profileID := range profileIDs {
			prov, err := e.factory.New(family, e.credential(family, profileID))
			if err != nil {
				// Config problem (unknown family), not a credential
				// failure: skip without poisoning profile state.
				e.logger.Error().Err(err).Str("model", candidate).Msg("cannot build provider")
				last = provider.ErrorResponse(err, candidate)
				break
			}

			req := provider.ChatRequest{
				Model:       candidate,
				Messages:    params.Messages,
				Tools:       params.Tools,
				Temperature: params.Temperature,
				MaxTokens:   params.MaxTokens,
			}

			useStream := params.AllowStream && params.OnDelta != nil && !streamUsed && idx == 0 && pidx == 0
			resp := e.attempt(ctx, prov, req, useStream, params.OnDelta)
			if useStream {
				streamUsed = true
			}

			if !resp.IsError() {
				e.recordSuccess(candidate, profileID, primary)
				return Result{Response: resp, Model: candidate}
			}

			reason := resp.ErrorKind
			if reason == "" {
				reason = provider.ClassifyErrorKind(resp.Content)
			}

			// Stale tool-call names in long history can fail backend
			// validation; one retry with a compacted message list often
			// recovers. Best effort, once per Call.
			if reason == "tool_validation" && !compacted {
				if compact, ok := compactMessages(params.Messages); ok {
					compacted = true
					e.logger.Warn().Str("model", candidate).Msg("tool validation failure, retrying with compacted history")
					retryReq := req
					retryReq.Messages = compact
					retry := e.attempt(ctx, prov, retryReq, false, nil)
					if !retry.IsError() {
						e.recordSuccess(candidate, profileID, primary)
						return Result{Response: retry, Model: candidate}
					}
				}
			}

			last = resp
			observability.RecordFallback(reason)
			e.recordFailure(candidate, family, profileID, reason)

			if pidx < len(profileIDs)-1 {
				e.logger.Warn().
					Str("model", candidate).
					Str("profile", profileID).
					Str("reason", reason).
					Msg("model call failed, trying next profile")
			}
		}

		if idx < len(candidates)-1 {
			e.logger.Warn().Str("model", candidate).Msg("model call failed, trying fallback")
		}
	}

	if last == nil {
		last = &provider.ModelResponse{Content: "All models failed", FinishReason: "error"}
	}
	return Result{Response: last, Model: primary}
}

// attempt performs one provider call, streaming when asked. Transport
// errors and nil responses come back as error-tagged responses.
func (e *Engine) attempt(ctx context.Context, prov provider.Provider, req provider.ChatRequest, stream bool, onDelta func(string)) *provider.ModelResponse {
	start := e.now()

	var resp *provider.ModelResponse
	var err error

	sp, canStream := prov.(provider.StreamingProvider)
	if stream && canStream {
		var buffer []string
		resp, err = sp.ChatStream(ctx, req, func(delta string) {
			buffer = append(buffer, delta)
		})
		if err != nil {
			resp = provider.ErrorResponse(err, req.Model)
		}
		if resp == nil {
			resp = provider.ErrorResponse(errStreamEnded, req.Model)
		}
		if !resp.IsError() {
			for _, delta := range buffer {
				onDelta(delta)
			}
		}
	} else {
		resp, err = prov.Chat(ctx, req)
		if err != nil {
			resp = provider.ErrorResponse(err, req.Model)
		}
		if resp == nil {
			resp = provider.ErrorResponse(errNoResponse, req.Model)
		}
	}

	observability.RecordModelCall(req.Model, e.now().Sub(start), !resp.IsError())
	return resp
}

func (e *Engine) recordSuccess(model, profileID, primary string) {
	if profileID != "" && e.profiles != nil {
		e.profiles.MarkSuccess(profileID, e.now())
	}
	e.tracker.MarkSuccess(model)
	if model != primary {
		e.logger.Warn().Str("from", primary).Str("to", model).Msg("model fallback selected")
	}
}

func (e *Engine) recordFailure(model, family, profileID, reason string) {
	if profileID != "" && e.profiles != nil {
		e.profiles.MarkFailure(profileID, family, reason, e.now())
	}
	e.tracker.MarkFailure(model, e.now())
}

// orderCandidates dedups the primary + fallback list and moves cooled
// models behind available ones. The result is never empty: if everything
// is cooling we still try, to avoid deadlock.
func (e *Engine) orderCandidates(primary string) []string {
	seen := map[string]bool{primary: true}
	candidates := []string{primary}
	for _, m := range e.cfg.Models.Fallbacks {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		candidates = append(candidates, m)
	}

	now := e.now()
	var available, cooled []string
	for _, c := range candidates {
		if e.tracker.IsAvailable(c, now) {
			available = append(available, c)
		} else {
			cooled = append(cooled, c)
		}
	}
	if len(available) > 0 {
		return available
	}
	return cooled
}

// profileCandidates returns the credential attempts for one provider
// family: the base (config) credential first, then profiles ordered by
// availability. Cooled profiles are only tried when none are available.
func (e *Engine) profileCandidates(family string) []string {
	base := []string{""}
	if e.profiles == nil || family == "" {
		return base
	}
	ids := e.cfg.ProfileOrder(family)
	if len(ids) == 0 {
		return base
	}

	now := e.now()
	var available, cooled []string
	for _, id := range ids {
		if e.profiles.IsAvailable(id, now) {
			available = append(available, id)
		} else {
			cooled = append(cooled, id)
		}
	}
	if len(available) > 0 {
		return append(base, available...)
	}
	return append(base, cooled...)
}

// credential resolves the effective credential for a model family,
// overlaying the profile's values on the base provider config.
func (e *Engine) credential(family, profileID string) provider.Credential {
	base := e.cfg.Models.Providers[family]
	cred := provider.Credential{
		APIKey:       base.APIKey,
		APIBase:      base.APIBase,
		ExtraHeaders: map[string]string{},
	}
	for k, v := range base.ExtraHeaders {
		cred.ExtraHeaders[k] = v
	}

	if profileID != "" {
		if profile, ok := e.cfg.Auth.Profiles[profileID]; ok {
			if profile.APIKey != "" {
				cred.APIKey = profile.APIKey
			}
			if profile.APIBase != "" {
				cred.APIBase = profile.APIBase
			}
			for k, v := range profile.ExtraHeaders {
				cred.ExtraHeaders[k] = v
			}
		}
	}
	return cred
}

// compactMessages keeps system messages plus the most recent turns. The
// second return is false when the history is already short enough that
// retrying would be pointless.
func compactMessages(messages []provider.Message) ([]provider.Message, bool) {
	var system, rest []provider.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= compactKeep {
		return nil, false
	}
	return append(system, rest[len(rest)-compactKeep:]...), true
}
