// Package resilience wraps the orchestrator's create and submit calls
// with circuit breaking, bounded retry and an overall time limit,
// returning a degraded-but-safe fallback response instead of failing the
// caller outright.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/internal/audit"
	"github.com/padsign/padsign/internal/metrics"
	"github.com/padsign/padsign/orchestrator"
)

// Config carries the wrapper's tunables. Create and submit hold
// independent breaker state.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	MaxRetries       uint64
	CallTimeout      time.Duration
}

// CreateOutcome is the wrapped result of create-and-dispatch. Success
// false with a reason is a normal degraded outcome, never a panic path.
type CreateOutcome struct {
	Success   bool
	Reason    string
	SessionID string
	Dispatch  *orchestrator.DispatchResult
	Session   *domain.SignatureSession
}

// SubmitOutcome is the wrapped result of a signature submission.
type SubmitOutcome struct {
	Success   bool
	Reason    string
	SessionID string
	Result    *orchestrator.SubmitResult
}

// Wrapper decorates orchestrator calls. Validation rejections pass
// through untouched and are never retried; only transient failures count
// against the breaker.
type Wrapper struct {
	orch *orchestrator.Orchestrator
	cfg  Config

	createBreaker *gobreaker.CircuitBreaker[*CreateOutcome]
	submitBreaker *gobreaker.CircuitBreaker[*SubmitOutcome]
}

// New creates the resilience wrapper around an orchestrator.
func New(orch *orchestrator.Orchestrator, cfg Config) *Wrapper {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	w := &Wrapper{orch: orch, cfg: cfg}
	w.createBreaker = gobreaker.NewCircuitBreaker[*CreateOutcome](w.settings("session-create"))
	w.submitBreaker = gobreaker.NewCircuitBreaker[*SubmitOutcome](w.settings("session-submit"))
	return w
}

func (w *Wrapper) settings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    name,
		Timeout: w.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are successful calls with an
			// unsuccessful outcome; they must not trip the breaker.
			return err == nil || isRejection(err)
		},
	}
}

// isRejection reports whether err is a validation/business rejection
// rather than an infrastructure failure.
func isRejection(err error) bool {
	var pe *pserr.ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code != pserr.ServerError
}

// CreateAndDispatch creates a session and attempts dispatch under the
// create breaker. On infrastructure degradation the caller receives a
// fallback outcome carrying the session id when one was allocated.
func (w *Wrapper) CreateAndDispatch(ctx context.Context, req *orchestrator.CreateRequest) (*CreateOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	var lastSessionID string
	outcome, err := w.createBreaker.Execute(func() (*CreateOutcome, error) {
		return w.retryCreate(ctx, req, &lastSessionID)
	})
	if err != nil {
		if isRejection(err) {
			return nil, err
		}
		return w.createFallback(lastSessionID, err), nil
	}
	return outcome, nil
}

func (w *Wrapper) retryCreate(ctx context.Context, req *orchestrator.CreateRequest, lastSessionID *string) (*CreateOutcome, error) {
	var outcome *CreateOutcome
	operation := func() error {
		session := (*domain.SignatureSession)(nil)
		if *lastSessionID == "" {
			created, err := w.orch.CreateSession(ctx, req)
			if err != nil {
				if isRejection(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			session = created
			*lastSessionID = created.ID
		} else {
			// The session persisted on a previous attempt; only the
			// dispatch is retried.
			loaded, err := w.orch.GetSession(ctx, *lastSessionID)
			if err != nil {
				return err
			}
			session = loaded
		}

		dispatch, err := w.orch.Dispatch(ctx, session.ID)
		if err != nil {
			if isRejection(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		outcome = &CreateOutcome{
			Success:   true,
			SessionID: session.ID,
			Session:   session,
			Dispatch:  dispatch,
		}
		if dispatch.Outcome == orchestrator.OutcomeNoDeviceAvailable {
			outcome.Reason = pserr.NoDeviceAvailable
		}
		return nil
	}

	// backoff unwraps Permanent errors, so rejections surface as-is.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return outcome, nil
}

// createFallback is the degraded response when creation infrastructure is
// unavailable or the breaker is open.
func (w *Wrapper) createFallback(sessionID string, cause error) *CreateOutcome {
	metrics.BreakerFallbackTotal.Inc()
	audit.Log("Resilience", "CreateAndDispatch", "", sessionID, "fallback response returned", false, cause)
	log.Error().Err(cause).Str("session_id", sessionID).Msg("Session creation degraded; returning fallback")
	return &CreateOutcome{
		Success:   false,
		Reason:    pserr.ServiceDegraded,
		SessionID: sessionID,
	}
}

// Submit applies a signature submission under the submit breaker.
func (w *Wrapper) Submit(ctx context.Context, sub *orchestrator.Submission) (*SubmitOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	outcome, err := w.submitBreaker.Execute(func() (*SubmitOutcome, error) {
		return w.retrySubmit(ctx, sub)
	})
	if err != nil {
		if isRejection(err) {
			return nil, err
		}
		metrics.BreakerFallbackTotal.Inc()
		audit.Log("Resilience", "Submit", sub.DeviceID, sub.SessionID, "fallback response returned", false, err)
		log.Error().Err(err).Str("session_id", sub.SessionID).Msg("Submission degraded; returning fallback")
		return &SubmitOutcome{
			Success:   false,
			Reason:    pserr.ServiceDegraded,
			SessionID: sub.SessionID,
		}, nil
	}
	return outcome, nil
}

func (w *Wrapper) retrySubmit(ctx context.Context, sub *orchestrator.Submission) (*SubmitOutcome, error) {
	var outcome *SubmitOutcome
	operation := func() error {
		result, err := w.orch.Submit(ctx, sub)
		if err != nil {
			if isRejection(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		outcome = &SubmitOutcome{
			Success:   result.Success,
			SessionID: result.SessionID,
			Result:    result,
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return outcome, nil
}
