package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/accrual/internal/events"
	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
	"github.com/MarkoPoloResearchLab/accrual/pkg/clock"
)

// Manager hands out one running session per user. The single-session-per-
// user rule is what lets the ledger go lock-free: no two loops ever touch
// the same snapshot key.
type Manager struct {
	deps     Deps
	config   Config
	schedule accrual.TierSchedule

	ctx    context.Context
	cancel context.CancelFunc
	group  sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires a Manager. Sessions it spawns run until Close.
func NewManager(deps Deps, config Config, schedule accrual.TierSchedule) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		config:   config,
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Session returns the running session for the user, creating and
// bootstrapping it on first use.
func (manager *Manager) Session(ctx context.Context, userID accrual.UserID) (*Session, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return nil, accrual.ErrSessionClosed
	}
	if existing, found := manager.sessions[userID.String()]; found {
		return existing, nil
	}

	ledger, err := manager.restoreLedger(ctx, userID)
	if err != nil {
		return nil, err
	}
	created := New(userID, ledger, manager.deps, manager.config)
	created.Bootstrap(ctx)
	manager.sessions[userID.String()] = created
	manager.group.Add(1)
	go func() {
		defer manager.group.Done()
		created.Run(manager.ctx)
	}()
	return created, nil
}

// restoreLedger rebuilds a ledger from the local snapshot store. Absent or
// malformed snapshots yield a fresh zero ledger.
func (manager *Manager) restoreLedger(ctx context.Context, userID accrual.UserID) (*accrual.Ledger, error) {
	now := manager.deps.Clock.Now()
	snapshot, found, err := manager.deps.Local.LoadSnapshot(ctx, userID)
	if err != nil {
		manager.deps.Logger.Warn("local snapshot load failed, starting fresh",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	if !found {
		snapshot = accrual.Snapshot{}
	}
	return accrual.NewLedger(snapshot, manager.schedule, now,
		accrual.WithOperationLogger(newZapOperationLogger(manager.deps.Logger, userID)))
}

// Close stops every session and waits for their final flush.
func (manager *Manager) Close() {
	manager.mu.Lock()
	manager.closed = true
	manager.mu.Unlock()
	manager.cancel()
	manager.group.Wait()
}

// zapOperationLogger adapts the domain's operation callbacks onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
	userID accrual.UserID
}

func newZapOperationLogger(logger *zap.Logger, userID accrual.UserID) *zapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapOperationLogger{logger: logger, userID: userID}
}

func (adapter *zapOperationLogger) LogOperation(entry accrual.OperationLog) {
	adapter.logger.Debug("ledger operation",
		zap.String("user_id", adapter.userID.String()),
		zap.String("operation", entry.Operation),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", entry.Status),
		zap.Time("at", entry.At))
}
