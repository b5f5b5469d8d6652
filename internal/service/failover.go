package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/metrics"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AllProvidersFailed is the message of the aggregate failure envelope
const AllProvidersFailed = "all providers failed"

// DefaultAttemptTimeout bounds a single provider attempt
const DefaultAttemptTimeout = 10 * time.Second

// Planner supplies failover plans and receives attempt outcomes
type Planner interface {
	FailoverPlan(exclude ...model.ProviderID) []provider.StorageCapability
	RecordFailure(id model.ProviderID, reason string) bool
	RecordSuccess(id model.ProviderID)
}

// Orchestrator runs a verb against the providers of a failover plan, one
// at a time, until one succeeds.
type Orchestrator struct {
	planner        Planner
	attemptTimeout time.Duration
	events         events.Publisher
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// NewOrchestrator creates a failover orchestrator
func NewOrchestrator(
	planner Planner,
	attemptTimeout time.Duration,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		planner:        planner,
		attemptTimeout: attemptTimeout,
		events:         publisher,
		metrics:        m,
		logger:         logger,
	}
}

// Call describes one orchestrated operation
type Call[T any] struct {
	// Verb labels logs and metrics, e.g. "save"
	Verb string
	// HolonID is attached to events when set
	HolonID uuid.UUID
	// Exclude removes providers from this call's plan
	Exclude []model.ProviderID
	// Invoke performs the verb against one provider
	Invoke func(ctx context.Context, p provider.StorageCapability) *result.Envelope[T]
}

// Execute runs call over the current failover plan. It always returns an
// envelope: the first provider success, with one inner message per
// earlier failure, or an aggregate failure once the plan is exhausted.
// Cancelling ctx stops attempts that have not started; an attempt already
// in flight is never cancelled, only abandoned at its timeout.
func Execute[T any](ctx context.Context, o *Orchestrator, call Call[T]) (res *result.Envelope[T]) {
	attempts := 0
	var failures []string

	defer func() {
		if r := recover(); r != nil {
			fault := hderrors.Internal("orchestrator fault", fmt.Errorf("%v", r))
			o.logger.Error("Recovered orchestrator fault",
				zap.String("verb", call.Verb),
				zap.Any("panic", r))
			res = result.Failure[T](AllProvidersFailed, hderrors.AggregateFailover(attempts, fault))
			res.InnerMessages = failures
		}
	}()

	plan := o.planner.FailoverPlan(call.Exclude...)
	if len(plan) == 0 {
		o.metrics.RecordAggregateFailure(call.Verb)
		res = result.Failure[T](AllProvidersFailed, hderrors.AggregateFailover(0, nil))
		res.AddInnerMessage("no active providers")
		return res
	}

	var lastFault error
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("provider %s skipped: %v", p.ID(), err))
			lastFault = err
			continue
		}

		attempts++
		start := time.Now()
		out := attempt(ctx, o, p, call)
		duration := time.Since(start)

		if out.err == nil {
			o.metrics.RecordAttempt(p.ID(), call.Verb, "success", duration.Seconds())
			o.planner.RecordSuccess(p.ID())
			return served(o, call, p.ID(), out.res, failures)
		}

		err, reason := out.err, out.reason
		failures = append(failures, fmt.Sprintf("provider %s failed: %s", p.ID(), reason))
		lastFault = err

		o.metrics.RecordAttempt(p.ID(), call.Verb, attemptStatus(err), duration.Seconds())
		o.logger.Warn("Provider attempt failed",
			zap.String("verb", call.Verb),
			zap.String("provider_id", p.ID().String()),
			zap.String("holon_id", holonIDString(call.HolonID)),
			zap.Int("attempt", attempts),
			zap.Duration("duration", duration),
			zap.Error(err))

		// A missing record is not a provider fault
		if !errors.Is(err, hderrors.ErrNotFound) {
			o.planner.RecordFailure(p.ID(), reason)
		}
	}

	o.metrics.RecordAggregateFailure(call.Verb)
	o.logger.Warn("All providers failed",
		zap.String("verb", call.Verb),
		zap.String("holon_id", holonIDString(call.HolonID)),
		zap.Int("attempts", attempts))

	res = result.Failure[T](AllProvidersFailed, hderrors.AggregateFailover(attempts, lastFault))
	res.InnerMessages = failures
	return res
}

// ExecuteOn runs call against p alone, with the same timeout, panic
// recovery and failure accounting as a plan attempt.
func ExecuteOn[T any](ctx context.Context, o *Orchestrator, p provider.StorageCapability, call Call[T]) *result.Envelope[T] {
	if err := ctx.Err(); err != nil {
		return result.Failuref[T](err, "provider %s skipped: %v", p.ID(), err)
	}

	start := time.Now()
	out := attempt(ctx, o, p, call)
	duration := time.Since(start)

	if out.err == nil {
		o.metrics.RecordAttempt(p.ID(), call.Verb, "success", duration.Seconds())
		o.planner.RecordSuccess(p.ID())
		out.res.ProviderUsed = p.ID()
		return out.res
	}

	o.metrics.RecordAttempt(p.ID(), call.Verb, attemptStatus(out.err), duration.Seconds())
	if !errors.Is(out.err, hderrors.ErrNotFound) {
		o.planner.RecordFailure(p.ID(), out.reason)
	}
	res := result.Failure[T](fmt.Sprintf("provider %s failed: %s", p.ID(), out.reason), out.err)
	res.ProviderUsed = p.ID()
	return res
}

// served decorates a provider success with the failures that preceded it
func served[T any](o *Orchestrator, call Call[T], id model.ProviderID, out *result.Envelope[T], failures []string) *result.Envelope[T] {
	out.ProviderUsed = id
	if len(failures) == 0 {
		return out
	}

	out.InnerMessages = append(append([]string(nil), failures...), out.InnerMessages...)
	o.metrics.RecordFailover(call.Verb, id)
	o.events.Publish(events.NewFailoverOccurred(id, call.HolonID,
		fmt.Sprintf("%s served after %d failed attempt(s)", call.Verb, len(failures)), time.Now()))
	return out
}

type outcome[T any] struct {
	res    *result.Envelope[T]
	err    error
	reason string
}

// attempt runs one provider call under the attempt timeout. The call gets
// a context detached from the caller's cancellation.
func attempt[T any](ctx context.Context, o *Orchestrator, p provider.StorageCapability, call Call[T]) outcome[T] {
	id := p.ID().String()
	done := make(chan outcome[T], 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				reason := fmt.Sprintf("panicked: %v", r)
				done <- outcome[T]{err: hderrors.Provider(id, reason, nil), reason: reason}
			}
		}()

		res := call.Invoke(context.WithoutCancel(ctx), p)
		switch {
		case res == nil:
			reason := "returned no result"
			done <- outcome[T]{err: hderrors.Provider(id, reason, nil), reason: reason}
		case res.IsError:
			done <- outcome[T]{err: providerFault(id, res), reason: res.Reason()}
		default:
			done <- outcome[T]{res: res}
		}
	}()

	timer := time.NewTimer(o.attemptTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
		return outcome[T]{
			err:    hderrors.Timeout(id, o.attemptTimeout),
			reason: fmt.Sprintf("timed out after %v", o.attemptTimeout),
		}
	}
}

func providerFault[T any](id string, res *result.Envelope[T]) error {
	var he *hderrors.HyperDriveError
	if errors.As(res.Exception, &he) && he.Code == hderrors.ErrCodeNotFound {
		return he
	}
	return hderrors.Provider(id, res.Reason(), res.Exception)
}

func attemptStatus(err error) string {
	switch {
	case errors.Is(err, hderrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, hderrors.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func holonIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
