package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

const (
	defaultSweepAge   = 10 * time.Minute
	defaultSweepBatch = 50
	sweepSource       = "sweep"
)

var (
	// ErrPollerRunning is returned when a poller is already active for the order.
	ErrPollerRunning = errors.New("reconciliation: poller already running")
	// ErrReconciliationStopped is returned after StopAll.
	ErrReconciliationStopped = errors.New("reconciliation: stopped")
)

// PollStart describes the state of polling after StartPolling.
type PollStart struct {
	OrderID        string
	Status         domain.PaymentStatus
	Started        bool
	AlreadyRunning bool
	Interval       time.Duration
	Timeout        time.Duration
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Scanned int
	Applied int
	Failed  int
}

// ReconciliationServiceDeps wires the reconciliation service.
type ReconciliationServiceDeps struct {
	Orders     repositories.OrderRepository
	Settlement SettlementService
	Poller     *ReconciliationPoller
	Metrics    Metrics
	SweepAge   time.Duration
	SweepBatch int
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	// OnResult, when set, receives every poller result after the poller stops.
	OnResult func(PollResult)
}

// ReconciliationManager owns the per-order pollers. At most one poller runs per order; pollers
// are detached from the request that started them and stop on timeout, resolution or StopAll.
type ReconciliationManager struct {
	orders     repositories.OrderRepository
	settlement SettlementService
	poller     *ReconciliationPoller
	metrics    Metrics
	sweepAge   time.Duration
	sweepBatch int
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
	onResult   func(PollResult)

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

var _ ReconciliationService = (*ReconciliationManager)(nil)

func NewReconciliationManager(deps ReconciliationServiceDeps) (*ReconciliationManager, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation: order repository is required")
	}
	if deps.Settlement == nil {
		return nil, errors.New("reconciliation: settlement service is required")
	}
	if deps.Poller == nil {
		return nil, errors.New("reconciliation: poller is required")
	}
	age := deps.SweepAge
	if age <= 0 {
		age = defaultSweepAge
	}
	batch := deps.SweepBatch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	root, cancel := context.WithCancel(context.Background())
	return &ReconciliationManager{
		orders:     deps.Orders,
		settlement: deps.Settlement,
		poller:     deps.Poller,
		metrics:    metricsOrNoop(deps.Metrics),
		sweepAge:   age,
		sweepBatch: batch,
		now:        clockOrNow(deps.Clock),
		logger:     loggerOrNoop(deps.Logger),
		onResult:   deps.OnResult,
		root:       root,
		cancel:     cancel,
		running:    make(map[string]context.CancelFunc),
	}, nil
}

// StartPolling checks ownership and starts a poller unless the order is already terminal or one
// is already running.
func (m *ReconciliationManager) StartPolling(ctx context.Context, customerID, orderID string) (PollStart, error) {
	order, err := loadCustomerOrder(ctx, m.orders, customerID, orderID)
	if err != nil {
		return PollStart{}, err
	}
	start := PollStart{
		OrderID:  order.ID,
		Status:   order.Status,
		Interval: m.poller.Interval(),
		Timeout:  m.poller.Timeout(),
	}
	if order.Status.IsTerminal() || strings.TrimSpace(order.Payment.GatewayOrderID) == "" {
		return start, nil
	}
	if _, err := m.Start(order.ID); err != nil {
		if errors.Is(err, ErrPollerRunning) {
			start.AlreadyRunning = true
			return start, nil
		}
		return PollStart{}, err
	}
	start.Started = true
	return start, nil
}

// Start launches a poller for orderID. The returned channel receives exactly one result.
func (m *ReconciliationManager) Start(orderID string) (<-chan PollResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrOrderNotFound
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrReconciliationStopped
	}
	if _, exists := m.running[orderID]; exists {
		m.mu.Unlock()
		return nil, ErrPollerRunning
	}
	ctx, cancel := context.WithCancel(m.root)
	m.running[orderID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.PollerStarted()
	m.logger(ctx, "settlement.poller.started", map[string]any{"orderId": orderID})

	results := make(chan PollResult, 1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		result := m.poller.Poll(ctx, orderID)

		m.mu.Lock()
		delete(m.running, orderID)
		m.mu.Unlock()

		m.metrics.PollerStopped()
		m.metrics.RecordPollerResult(string(result.Outcome))
		if m.onResult != nil {
			m.onResult(result)
		}
		results <- result
		close(results)
	}()
	return results, nil
}

// Stop cancels the poller for orderID. It reports whether a poller was running.
func (m *ReconciliationManager) Stop(orderID string) bool {
	m.mu.Lock()
	cancel, ok := m.running[strings.TrimSpace(orderID)]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a poller is active for orderID.
func (m *ReconciliationManager) Running(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[strings.TrimSpace(orderID)]
	return ok
}

// StopAll cancels every poller and waits for them to exit or for ctx to expire.
func (m *ReconciliationManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep reconciles non-terminal orders that have not changed for the sweep age. It recovers lost
// webhooks for orders nobody is polling.
func (m *ReconciliationManager) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.sweep")
	defer span.End()

	cutoff := m.now().Add(-m.sweepAge)
	orders, err := m.orders.ListByStatus(ctx, []domain.PaymentStatus{
		domain.PaymentStatusAwaitingPayment,
		domain.PaymentStatusAuthorized,
	}, cutoff, m.sweepBatch)
	if err != nil {
		return SweepReport{}, fmt.Errorf("reconciliation: list pending orders: %w", translateOrderRepositoryError(err))
	}

	report := SweepReport{Scanned: len(orders)}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if m.Running(order.ID) {
			continue
		}
		updated, err := m.settlement.Reconcile(ctx, order.ID, sweepSource)
		if err != nil {
			report.Failed++
			m.logger(ctx, "settlement.sweep.reconcile_failed", map[string]any{
				"orderId": order.ID,
				"error":   err,
			})
			continue
		}
		if updated.Status != order.Status {
			report.Applied++
		}
	}
	m.logger(ctx, "settlement.sweep.completed", map[string]any{
		"scanned": report.Scanned,
		"applied": report.Applied,
		"failed":  report.Failed,
	})
	return report, nil
}
