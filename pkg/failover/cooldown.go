package failover

import (
	"math"
	"sync"
	"time"

	"github.com/harun/kirana/internal/observability"
)

const (
	// Exponential backoff cooldown: 15s, 30s, 60s, ... capped at 5min.
	modelCooldownBase = 15 * time.Second
	modelCooldownMax  = 5 * time.Minute
)

// CooldownTracker keeps in-memory per-model failure state. Unlike
// credential-profile cooldowns this is not persisted: a process restart
// gives every model a clean slate.
type CooldownTracker struct {
	mu            sync.Mutex
	failureCount  map[string]int
	cooldownUntil map[string]time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		failureCount:  map[string]int{},
		cooldownUntil: map[string]time.Time{},
	}
}

// IsAvailable reports whether the model is outside its cooldown window.
func (t *CooldownTracker) IsAvailable(model string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cooldownUntil[model].After(now)
}

// MarkSuccess clears all failure state for the model.
func (t *CooldownTracker) MarkSuccess(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failureCount, model)
	delete(t.cooldownUntil, model)
	observability.SetModelCooldown(model, false)
}

// MarkFailure bumps the failure count and extends the cooldown window.
func (t *CooldownTracker) MarkFailure(model string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	failures := t.failureCount[model] + 1
	t.failureCount[model] = failures

	cooldown := time.Duration(float64(modelCooldownBase) * math.Pow(2, float64(failures-1)))
	if cooldown > modelCooldownMax {
		cooldown = modelCooldownMax
	}
	t.cooldownUntil[model] = now.Add(cooldown)
	observability.SetModelCooldown(model, true)
}

// FailureCount returns the current failure count for a model.
func (t *CooldownTracker) FailureCount(model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failureCount[model]
}
