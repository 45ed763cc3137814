// Package ratelimit admits or denies run submissions against fixed
// windows per limit class. Counters live in the shared state store and
// are advanced with conditional writes, so concurrent submitters can
// never push a window past its ceiling.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/telemetry"
)

// Limit classes. Every submission is checked against all three.
const (
	ClassGlobal    = "global"
	ClassScenario  = "scenario"
	ClassRequester = "requester"
)

const partition = "limiter"

// conflictRetries bounds how often a check replays a lost write race
// before giving up and failing open.
const conflictRetries = 5

// Decision is the limiter's answer for one class.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Class      string        `json:"class"`
	Key        string        `json:"key"`
	Count      int           `json:"count"`
	Ceiling    int           `json:"ceiling"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// window is the stored counter state for one (class, key).
type window struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Limiter enforces submission ceilings.
type Limiter struct {
	store   storage.Store
	cfg     config.Limits
	logger  zerolog.Logger
	metrics *telemetry.Provider

	now func() time.Time
}

// New creates a limiter backed by the given store.
func New(store storage.Store, cfg config.Limits, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// WithMetrics wires denial counters.
func (l *Limiter) WithMetrics(p *telemetry.Provider) *Limiter {
	l.metrics = p
	return l
}

// Check reserves one slot in the class window for key. When the window
// is full it denies with the time until the window resets. Store
// failures fail open: admission control protects downstream capacity,
// it must never become the outage itself.
func (l *Limiter) Check(ctx context.Context, class, key string, ceiling int, windowSize time.Duration) Decision {
	if ceiling <= 0 || windowSize <= 0 {
		return Decision{Allowed: true, Class: class, Key: key}
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		decision, err := l.tryReserve(ctx, class, key, ceiling, windowSize)
		if err == nil {
			if !decision.Allowed && l.metrics != nil {
				l.metrics.RecordLimiterDenial(ctx, class)
			}
			return decision
		}
		if err == storage.ErrVersionConflict {
			continue
		}
		l.logger.Error().Err(err).
			Str("class", class).
			Str("key", key).
			Msg("limiter store failure, failing open")
		return Decision{Allowed: true, Class: class, Key: key}
	}

	l.logger.Warn().
		Str("class", class).
		Str("key", key).
		Msg("limiter conflict retries exhausted, failing open")
	return Decision{Allowed: true, Class: class, Key: key}
}

func (l *Limiter) tryReserve(ctx context.Context, class, key string, ceiling int, windowSize time.Duration) (Decision, error) {
	sort := class + "#" + key
	now := l.now().UTC()

	var (
		state   window
		version int64
	)
	rec, err := l.store.Get(ctx, partition, sort)
	switch {
	case err == storage.ErrNotFound:
		state = window{Start: now}
	case err != nil:
		return Decision{}, err
	default:
		if err := json.Unmarshal(rec.Value, &state); err != nil {
			return Decision{}, fmt.Errorf("corrupt limiter record %s: %w", sort, err)
		}
		version = rec.Version
	}

	// Window elapsed: counting starts over.
	if now.Sub(state.Start) >= windowSize {
		state = window{Start: now}
	}

	if state.Count >= ceiling {
		return Decision{
			Allowed:    false,
			Class:      class,
			Key:        key,
			Count:      state.Count,
			Ceiling:    ceiling,
			RetryAfter: state.Start.Add(windowSize).Sub(now),
		}, nil
	}

	state.Count++
	value, err := json.Marshal(state)
	if err != nil {
		return Decision{}, err
	}
	if err := l.store.PutIf(ctx, partition, sort, value, version); err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed: true,
		Class:   class,
		Key:     key,
		Count:   state.Count,
		Ceiling: ceiling,
	}, nil
}

// release returns a previously reserved slot, used when a later class
// in the same submission denies. Best effort: a lost race here only
// makes the limiter slightly stricter, never looser.
func (l *Limiter) release(ctx context.Context, class, key string, windowSize time.Duration) {
	sort := class + "#" + key
	rec, err := l.store.Get(ctx, partition, sort)
	if err != nil {
		return
	}
	var state window
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		return
	}
	if state.Count == 0 || l.now().UTC().Sub(state.Start) >= windowSize {
		return
	}
	state.Count--
	value, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = l.store.PutIf(ctx, partition, sort, value, rec.Version)
}

// CheckAll runs a submission through every limit class in order:
// global, then scenario, then requester. The first denial wins and
// releases any slots reserved by earlier classes.
func (l *Limiter) CheckAll(ctx context.Context, scenario, requester string) Decision {
	type check struct {
		class   string
		key     string
		ceiling int
		window  time.Duration
	}
	checks := []check{
		{ClassGlobal, "all", l.cfg.GlobalCeiling, l.cfg.GlobalWindow},
		{ClassScenario, scenario, l.cfg.ScenarioCeiling, l.cfg.ScenarioWindow},
		{ClassRequester, requester, l.cfg.RequesterCeiling, l.cfg.RequesterWindow},
	}

	var (
		reserved []check
		last     Decision
	)
	for _, c := range checks {
		decision := l.Check(ctx, c.class, c.key, c.ceiling, c.window)
		if !decision.Allowed {
			for _, r := range reserved {
				l.release(ctx, r.class, r.key, r.window)
			}
			return decision
		}
		reserved = append(reserved, c)
		last = decision
	}

	return last
}
