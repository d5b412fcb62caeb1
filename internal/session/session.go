// Package session drives one accrual ledger per user. All ledger
// mutations flow through a single run loop, so the ledger itself needs no
// locking: timer ticks, sync intervals, and API commands are serialized on
// one channel with strictly non-decreasing clock readings.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/accrual/internal/events"
	"github.com/MarkoPoloResearchLab/accrual/internal/observability"
	"github.com/MarkoPoloResearchLab/accrual/internal/syncer"
	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
	"github.com/MarkoPoloResearchLab/accrual/pkg/clock"
)

const (
	defaultTickInterval = time.Second
	defaultSyncInterval = 60 * time.Second
	subscriberBuffer    = 8
	eventEmitTimeout    = 10 * time.Second

	syncOutcomeOK     = "ok"
	syncOutcomeFailed = "failed"
)

// Config sets the two loop cadences.
type Config struct {
	TickInterval time.Duration
	SyncInterval time.Duration
}

func (config Config) withDefaults() Config {
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}
	return config
}

// Deps aggregates the collaborators a session needs.
type Deps struct {
	Local     accrual.SnapshotStore
	Syncer    *syncer.Syncer
	Publisher events.Publisher
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.SessionMetrics
}

// View is the read model handed to subscribers and API handlers.
type View struct {
	Snapshot    accrual.Snapshot
	TotalEarned decimal.Decimal
}

// Session owns one user's ledger and its tick/sync loops.
type Session struct {
	userID accrual.UserID
	ledger *accrual.Ledger
	deps   Deps
	config Config

	commands chan func(now time.Time)
	done     chan struct{}

	suspended    bool
	pushInFlight atomic.Bool

	subscribersMu sync.Mutex
	subscribers   []chan View
}

// New wires a session around an already-constructed ledger.
func New(userID accrual.UserID, ledger *accrual.Ledger, deps Deps, config Config) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	return &Session{
		userID:   userID,
		ledger:   ledger,
		deps:     deps,
		config:   config.withDefaults(),
		commands: make(chan func(now time.Time), 16),
		done:     make(chan struct{}),
	}
}

// Bootstrap replays persisted state before the loops start: the offline
// gap is folded in exactly once, then the remote record reconciles the
// ledger. Runs on the caller's goroutine, before Run.
func (session *Session) Bootstrap(ctx context.Context) {
	now := session.deps.Clock.Now()

	gap, found, err := session.deps.Local.TakeGap(ctx, session.userID)
	if err != nil {
		session.deps.Logger.Warn("gap record unavailable", zap.Error(err))
	}
	if found {
		credited := session.ledger.ApplyOfflineGap(now, gap.SuspendedAt, gap.Rate)
		if session.deps.Metrics != nil {
			session.deps.Metrics.OfflineGaps.Inc()
		}
		session.deps.Logger.Info("offline gap applied",
			zap.String("user_id", session.userID.String()),
			zap.String("credited", credited.String()),
			zap.Time("suspended_at", gap.SuspendedAt))
	}

	if session.deps.Syncer != nil {
		remote, found, err := session.deps.Syncer.Pull(ctx, session.userID)
		if err == nil && found {
			reconciledAt := session.deps.Clock.Now()
			session.ledger.ReconcileWithRemote(remote, reconciledAt)
			session.emitEvent(ctx, accrual.EventReconcile, session.ledger.Snapshot().Accrued, reconciledAt, nil)
		}
	}
	session.persist(ctx)
}

// Run owns the session until the context is cancelled. The final tick is
// flushed to the local store before the loop exits, so no accrued progress
// is lost on teardown.
func (session *Session) Run(ctx context.Context) {
	config := session.config
	tick := time.NewTicker(config.TickInterval)
	defer tick.Stop()
	remoteSync := time.NewTicker(config.SyncInterval)
	defer remoteSync.Stop()

	for {
		select {
		case <-ctx.Done():
			session.flush(context.WithoutCancel(ctx))
			close(session.done)
			return
		case <-tick.C:
			session.safeTick(ctx)
		case <-remoteSync.C:
			session.startSync(ctx)
		case command := <-session.commands:
			session.safeCommand(ctx, command)
		}
	}
}

// safeTick advances the ledger and persists locally. Any panic or persist
// failure is contained here: a broken tick must never stop the ticker,
// because a dead loop silently freezes all accrual.
func (session *Session) safeTick(ctx context.Context) {
	defer session.recoverCallback("tick")
	if session.suspended {
		return
	}
	now := session.deps.Clock.Now()
	session.ledger.Advance(now)
	session.ledger.Rerate(now)
	session.persist(ctx)
	if session.deps.Metrics != nil {
		session.deps.Metrics.Ticks.Inc()
	}
	session.notify()
}

func (session *Session) safeCommand(ctx context.Context, command func(now time.Time)) {
	defer session.recoverCallback("command")
	command(session.deps.Clock.Now())
	session.persist(ctx)
	session.notify()
}

func (session *Session) recoverCallback(kind string) {
	if recovered := recover(); recovered != nil {
		if session.deps.Metrics != nil {
			session.deps.Metrics.TickFailures.Inc()
		}
		session.deps.Logger.Error("callback panicked",
			zap.String("kind", kind),
			zap.String("user_id", session.userID.String()),
			zap.Any("panic", recovered))
	}
}

// startSync pushes the current state on a separate goroutine so a slow
// backend never stalls the tick loop. At most one push is in flight.
func (session *Session) startSync(ctx context.Context) {
	if session.deps.Syncer == nil || session.suspended {
		return
	}
	if !session.pushInFlight.CompareAndSwap(false, true) {
		return
	}
	snapshot := session.ledger.Snapshot()
	totalEarned := session.ledger.TotalEarned()
	go func() {
		defer session.pushInFlight.Store(false)
		ok := session.deps.Syncer.Push(ctx, session.userID, snapshot, totalEarned)
		if session.deps.Metrics != nil {
			outcome := syncOutcomeOK
			if !ok {
				outcome = syncOutcomeFailed
			}
			session.deps.Metrics.Syncs.WithLabelValues(outcome).Inc()
		}
	}()
}

func (session *Session) persist(ctx context.Context) {
	if err := session.deps.Local.SaveSnapshot(ctx, session.userID, session.ledger.Snapshot()); err != nil {
		session.deps.Logger.Warn("local snapshot save failed", zap.Error(err))
	}
}

// flush writes the final state locally and pushes it upstream
// synchronously. Called on teardown.
func (session *Session) flush(ctx context.Context) {
	now := session.deps.Clock.Now()
	session.ledger.Advance(now)
	session.persist(ctx)
	if session.deps.Syncer != nil {
		session.deps.Syncer.Push(ctx, session.userID, session.ledger.Snapshot(), session.ledger.TotalEarned())
	}
}

// do runs fn inside the loop and waits for completion.
func (session *Session) do(ctx context.Context, fn func(now time.Time)) error {
	applied := make(chan struct{})
	wrapped := func(now time.Time) {
		defer close(applied)
		fn(now)
	}
	select {
	case session.commands <- wrapped:
	case <-session.done:
		return accrual.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-applied:
		return nil
	case <-session.done:
		return accrual.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the live view of the ledger.
func (session *Session) Current(ctx context.Context) (View, error) {
	var view View
	err := session.do(ctx, func(now time.Time) {
		session.ledger.Advance(now)
		view = View{Snapshot: session.ledger.Snapshot(), TotalEarned: session.ledger.TotalEarned()}
	})
	return view, err
}

// SetPrincipal updates the staked amount: accrual under the old rate is
// flushed first, already-accrued value is preserved.
func (session *Session) SetPrincipal(ctx context.Context, principal decimal.Decimal) (View, error) {
	var view View
	err := session.do(ctx, func(now time.Time) {
		session.ledger.SetPrincipal(principal, now)
		view = View{Snapshot: session.ledger.Snapshot(), TotalEarned: session.ledger.TotalEarned()}
		session.emitEvent(ctx, accrual.EventSetPrincipal, view.Snapshot.Principal, now, nil)
	})
	return view, err
}

// Claim resets the accrued balance and returns the claimed amount.
func (session *Session) Claim(ctx context.Context) (decimal.Decimal, error) {
	var claimed decimal.Decimal
	err := session.do(ctx, func(now time.Time) {
		claimed = session.ledger.Reset(now)
		if session.deps.Metrics != nil {
			session.deps.Metrics.Claims.Inc()
		}
		session.emitEvent(ctx, accrual.EventClaim, claimed, now, map[string]any{
			"total_earned": session.ledger.TotalEarned().String(),
		})
		session.startSync(ctx)
	})
	return claimed, err
}

// Suspend records the offline-gap anchor and pushes opportunistically
// before the client goes to background. Ticks pause until Resume.
func (session *Session) Suspend(ctx context.Context) error {
	return session.do(ctx, func(now time.Time) {
		session.ledger.Advance(now)
		record := accrual.GapRecord{SuspendedAt: now, Rate: session.ledger.Snapshot().Rate}
		if err := session.deps.Local.SaveGap(ctx, session.userID, record); err != nil {
			session.deps.Logger.Warn("gap record save failed", zap.Error(err))
		}
		session.suspended = true
		session.startSuspendedPush(ctx)
	})
}

// Resume consumes the gap record, folds the offline time in exactly once,
// and restarts ticking.
func (session *Session) Resume(ctx context.Context) (View, error) {
	var view View
	err := session.do(ctx, func(now time.Time) {
		gap, found, err := session.deps.Local.TakeGap(ctx, session.userID)
		if err != nil {
			session.deps.Logger.Warn("gap record unavailable", zap.Error(err))
		}
		if found {
			session.ledger.ApplyOfflineGap(now, gap.SuspendedAt, gap.Rate)
			if session.deps.Metrics != nil {
				session.deps.Metrics.OfflineGaps.Inc()
			}
		}
		session.suspended = false
		view = View{Snapshot: session.ledger.Snapshot(), TotalEarned: session.ledger.TotalEarned()}
	})
	return view, err
}

// startSuspendedPush is startSync without the suspension guard: the
// opportunistic push on suspend happens while the flag is already set.
func (session *Session) startSuspendedPush(ctx context.Context) {
	if session.deps.Syncer == nil {
		return
	}
	if !session.pushInFlight.CompareAndSwap(false, true) {
		return
	}
	snapshot := session.ledger.Snapshot()
	totalEarned := session.ledger.TotalEarned()
	go func() {
		defer session.pushInFlight.Store(false)
		session.deps.Syncer.Push(ctx, session.userID, snapshot, totalEarned)
	}()
}

// emitEvent hands the event off to a goroutine: the remote append and the
// bus publish are network writes and must never stall the run loop, so
// only the in-memory mutation happens inline.
func (session *Session) emitEvent(ctx context.Context, kind accrual.EventKind, amount decimal.Decimal, at time.Time, metadata map[string]any) {
	event := accrual.Event{
		UserID:    session.userID.String(),
		Kind:      kind,
		Amount:    amount,
		Metadata:  metadata,
		CreatedAt: at,
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		emitCtx, cancel := context.WithTimeout(detached, eventEmitTimeout)
		defer cancel()
		if session.deps.Syncer != nil {
			session.deps.Syncer.RecordEvent(emitCtx, event)
		}
		if err := session.deps.Publisher.Publish(emitCtx, event); err != nil {
			session.deps.Logger.Warn("event publish failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}()
}

// Subscribe returns a channel receiving a View after every loop
// iteration that changed state. Slow subscribers miss updates rather
// than blocking the loop.
func (session *Session) Subscribe() <-chan View {
	channel := make(chan View, subscriberBuffer)
	session.subscribersMu.Lock()
	session.subscribers = append(session.subscribers, channel)
	session.subscribersMu.Unlock()
	return channel
}

func (session *Session) notify() {
	view := View{Snapshot: session.ledger.Snapshot(), TotalEarned: session.ledger.TotalEarned()}
	session.subscribersMu.Lock()
	defer session.subscribersMu.Unlock()
	for _, subscriber := range session.subscribers {
		select {
		case subscriber <- view:
		default:
		}
	}
}

// Done is closed once the run loop has flushed and exited.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

// UserID returns the session owner.
func (session *Session) UserID() accrual.UserID {
	return session.userID
}
