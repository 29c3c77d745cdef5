package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/settlement/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 15 * time.Minute
	pollerSource        = "poller"
)

// Clock abstracts time for the poller so tests can advance it without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// PollOutcome describes why a poller stopped.
type PollOutcome string

const (
	// PollResolved means the order reached a terminal status.
	PollResolved PollOutcome = "resolved"
	// PollTimeout means the deadline passed without resolution. The order is left as is and the
	// customer should check the status manually.
	PollTimeout PollOutcome = "timeout"
	// PollCanceled means the poller was stopped before resolution.
	PollCanceled PollOutcome = "canceled"
	// PollFailed means polling cannot continue, for example because the order no longer exists.
	PollFailed PollOutcome = "failed"
)

// PollResult is delivered once when a poller stops.
type PollResult struct {
	OrderID  string
	Status   domain.PaymentStatus
	Outcome  PollOutcome
	Attempts int
	Err      error
}

// Paid reports whether the poller resolved into a paid status.
func (r PollResult) Paid() bool {
	return r.Outcome == PollResolved && r.Status.IsPaid()
}

// Message is the customer-facing summary of the result.
func (r PollResult) Message() string {
	switch r.Outcome {
	case PollResolved:
		if r.Paid() {
			return "payment confirmed"
		}
		return "payment was not completed"
	case PollTimeout:
		return "payment confirmation is taking longer than expected; check the order status manually"
	case PollCanceled:
		return "status polling stopped"
	default:
		return "order status could not be checked"
	}
}

// ReconciliationPollerDeps wires the poller.
type ReconciliationPollerDeps struct {
	Settlement SettlementService
	Interval   time.Duration
	Timeout    time.Duration
	Clock      Clock
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// ReconciliationPoller queries the gateway for one order on a fixed interval until the order is
// terminal or the timeout elapses. Each tick goes through SettlementService.Reconcile so webhook
// and polling share the same mapping and transition rules.
type ReconciliationPoller struct {
	settlement SettlementService
	interval   time.Duration
	timeout    time.Duration
	clock      Clock
	logger     func(ctx context.Context, event string, fields map[string]any)
}

func NewReconciliationPoller(deps ReconciliationPollerDeps) (*ReconciliationPoller, error) {
	if deps.Settlement == nil {
		return nil, errors.New("reconciliation poller: settlement service is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &ReconciliationPoller{
		settlement: deps.Settlement,
		interval:   interval,
		timeout:    timeout,
		clock:      clock,
		logger:     loggerOrNoop(deps.Logger),
	}, nil
}

// Interval returns the configured tick interval.
func (p *ReconciliationPoller) Interval() time.Duration { return p.interval }

// Timeout returns the hard polling deadline.
func (p *ReconciliationPoller) Timeout() time.Duration { return p.timeout }

// Poll blocks until the order resolves, the timeout elapses or ctx is canceled. Transient gateway
// failures are logged and retried on the next tick.
func (p *ReconciliationPoller) Poll(ctx context.Context, orderID string) PollResult {
	ctx, span := tracer.Start(ctx, "reconciliation.poll")
	defer span.End()

	orderID = strings.TrimSpace(orderID)
	span.SetAttributes(attribute.String("order.id", orderID))
	result := PollResult{OrderID: orderID}
	deadline := p.clock.Now().Add(p.timeout)

	for {
		if err := ctx.Err(); err != nil {
			result.Outcome = PollCanceled
			result.Err = err
			break
		}
		order, err := p.settlement.Reconcile(ctx, orderID, pollerSource)
		result.Attempts++
		if order.Status != "" {
			result.Status = order.Status
		}
		switch {
		case err == nil && order.Status.IsTerminal():
			result.Outcome = PollResolved
		case errors.Is(err, ErrOrderNotFound):
			result.Outcome = PollFailed
			result.Err = err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			result.Outcome = PollCanceled
			result.Err = err
		case err != nil:
			p.logger(ctx, "settlement.poller.tick_failed", map[string]any{
				"orderId": orderID,
				"attempt": result.Attempts,
				"error":   err,
			})
		}
		if result.Outcome != "" {
			break
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			result.Outcome = PollTimeout
			break
		}
		wait := p.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			result.Outcome = PollCanceled
			result.Err = ctx.Err()
		case <-p.clock.After(wait):
		}
		if result.Outcome != "" {
			break
		}
	}

	span.SetAttributes(attribute.String("poll.outcome", string(result.Outcome)), attribute.Int("poll.attempts", result.Attempts))
	event := "settlement.poller.stopped"
	if result.Outcome == PollTimeout {
		event = "settlement.poller.timeout"
	}
	p.logger(ctx, event, map[string]any{
		"orderId":  orderID,
		"outcome":  string(result.Outcome),
		"status":   string(result.Status),
		"attempts": result.Attempts,
	})
	return result
}
