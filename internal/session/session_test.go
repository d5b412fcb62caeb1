package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/accrual/internal/syncer"
	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
	"github.com/MarkoPoloResearchLab/accrual/pkg/clock"
)

var testEpoch = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

type stubLocal struct {
	mu        sync.Mutex
	snapshots map[string]accrual.Snapshot
	gaps      map[string]accrual.GapRecord
}

func newStubLocal() *stubLocal {
	return &stubLocal{
		snapshots: map[string]accrual.Snapshot{},
		gaps:      map[string]accrual.GapRecord{},
	}
}

func (local *stubLocal) SaveSnapshot(_ context.Context, userID accrual.UserID, snapshot accrual.Snapshot) error {
	local.mu.Lock()
	defer local.mu.Unlock()
	local.snapshots[userID.String()] = snapshot
	return nil
}

func (local *stubLocal) LoadSnapshot(_ context.Context, userID accrual.UserID) (accrual.Snapshot, bool, error) {
	local.mu.Lock()
	defer local.mu.Unlock()
	snapshot, found := local.snapshots[userID.String()]
	return snapshot, found, nil
}

func (local *stubLocal) SaveGap(_ context.Context, userID accrual.UserID, record accrual.GapRecord) error {
	local.mu.Lock()
	defer local.mu.Unlock()
	local.gaps[userID.String()] = record
	return nil
}

func (local *stubLocal) TakeGap(_ context.Context, userID accrual.UserID) (accrual.GapRecord, bool, error) {
	local.mu.Lock()
	defer local.mu.Unlock()
	record, found := local.gaps[userID.String()]
	delete(local.gaps, userID.String())
	return record, found, nil
}

type stubRemote struct {
	mu         sync.Mutex
	records    map[string]accrual.RemoteRecord
	events     []accrual.Event
	pushErr    error
	pushes     int
	appendGate chan struct{}
}

func newStubRemote() *stubRemote {
	return &stubRemote{records: map[string]accrual.RemoteRecord{}}
}

func (remote *stubRemote) Pull(_ context.Context, userID accrual.UserID) (accrual.RemoteRecord, bool, error) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	record, found := remote.records[userID.String()]
	return record, found, nil
}

func (remote *stubRemote) Push(_ context.Context, record accrual.RemoteRecord) error {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.pushes++
	if remote.pushErr != nil {
		return remote.pushErr
	}
	remote.records[record.UserID] = record
	return nil
}

func (remote *stubRemote) AppendEvent(_ context.Context, event accrual.Event) error {
	remote.mu.Lock()
	gate := remote.appendGate
	remote.mu.Unlock()
	if gate != nil {
		<-gate
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.events = append(remote.events, event)
	return nil
}

type recorderPublisher struct {
	mu     sync.Mutex
	events []accrual.Event
}

func (publisher *recorderPublisher) Publish(_ context.Context, event accrual.Event) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return nil
}

func (publisher *recorderPublisher) Close() error { return nil }

func (publisher *recorderPublisher) byKind(kind accrual.EventKind) []accrual.Event {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	var matched []accrual.Event
	for _, event := range publisher.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

// waitForEvent polls the recorder: events are emitted off the run loop, so
// they land shortly after the triggering command returns.
func waitForEvent(test *testing.T, publisher *recorderPublisher, kind accrual.EventKind) {
	test.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(publisher.byKind(kind)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.Fatalf("no %s event within deadline", kind)
}

type fixture struct {
	session   *Session
	local     *stubLocal
	remote    *stubRemote
	publisher *recorderPublisher
	manual    *clock.Manual
	cancel    context.CancelFunc
}

func newFixture(test *testing.T, config Config) *fixture {
	test.Helper()
	manual := clock.NewManual(testEpoch)
	local := newStubLocal()
	remote := newStubRemote()
	publisher := &recorderPublisher{}

	schedule, err := accrual.NewTierSchedule([]accrual.Tier{
		{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
	})
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}
	ledger, err := accrual.NewLedger(accrual.Snapshot{LastUpdate: testEpoch}, schedule, testEpoch)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	userID, err := accrual.NewUserID("session-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	ledger.SetPrincipal(decimal.RequireFromString("100"), testEpoch)

	created := New(userID, ledger, Deps{
		Local:     local,
		Syncer:    syncer.New(remote, nil),
		Publisher: publisher,
		Clock:     manual,
	}, config)

	ctx, cancel := context.WithCancel(context.Background())
	go created.Run(ctx)
	test.Cleanup(func() {
		cancel()
		<-created.Done()
	})
	return &fixture{
		session:   created,
		local:     local,
		remote:    remote,
		publisher: publisher,
		manual:    manual,
		cancel:    cancel,
	}
}

// quietConfig keeps the timer loops out of the way so tests drive the
// session purely through commands and the manual clock.
func quietConfig() Config {
	return Config{TickInterval: time.Hour, SyncInterval: time.Hour}
}

func TestCurrentAdvancesLedger(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	fix.manual.Advance(3600 * time.Second)

	view, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}
	expected := view.Snapshot.Rate.Mul(decimal.NewFromInt(3600))
	if !view.Snapshot.Accrued.Equal(expected) {
		test.Fatalf("expected %s accrued, got %s", expected, view.Snapshot.Accrued)
	}
}

func TestClaimResetsAndEmitsEvent(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	fix.manual.Advance(time.Hour)

	claimed, err := fix.session.Claim(context.Background())
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	if !claimed.IsPositive() {
		test.Fatalf("expected positive claim, got %s", claimed)
	}
	view, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}
	if !view.Snapshot.Accrued.IsZero() {
		test.Fatalf("accrued not reset: %s", view.Snapshot.Accrued)
	}
	if !view.TotalEarned.Equal(claimed) {
		test.Fatalf("total earned %s != claimed %s", view.TotalEarned, claimed)
	}
	waitForEvent(test, fix.publisher, accrual.EventClaim)
}

func TestSuspendResumeAppliesGapExactlyOnce(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	fix.manual.Advance(time.Hour)

	if err := fix.session.Suspend(context.Background()); err != nil {
		test.Fatalf("suspend: %v", err)
	}
	preSuspend, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}

	fix.manual.Advance(2 * time.Hour)
	resumed, err := fix.session.Resume(context.Background())
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	gapCredit := preSuspend.Snapshot.Rate.Mul(decimal.NewFromInt(7200))
	expected := preSuspend.Snapshot.Accrued.Add(gapCredit)
	if !resumed.Snapshot.Accrued.Equal(expected) {
		test.Fatalf("expected %s after gap, got %s", expected, resumed.Snapshot.Accrued)
	}

	again, err := fix.session.Resume(context.Background())
	if err != nil {
		test.Fatalf("second resume: %v", err)
	}
	if !again.Snapshot.Accrued.Equal(expected) {
		test.Fatalf("second resume changed accrued: %s", again.Snapshot.Accrued)
	}
}

func TestReadDuringSuspensionDoesNotInflateGap(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	fix.manual.Advance(time.Hour)

	if err := fix.session.Suspend(context.Background()); err != nil {
		test.Fatalf("suspend: %v", err)
	}

	// A ledger read two hours into the suspension advances the balance;
	// the resume gap must not pay those two hours a second time.
	fix.manual.Advance(2 * time.Hour)
	midSuspension, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}

	resumed, err := fix.session.Resume(context.Background())
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	expected := midSuspension.Snapshot.Rate.Mul(decimal.NewFromInt(3 * 3600))
	if !resumed.Snapshot.Accrued.Equal(expected) {
		test.Fatalf("expected %s (3h of continuous accrual), got %s", expected, resumed.Snapshot.Accrued)
	}
}

func TestSuspendedGapSurvivesRestartWithoutDoubleCount(test *testing.T) {
	test.Parallel()
	manual := clock.NewManual(testEpoch)
	local := newStubLocal()
	remote := newStubRemote()
	schedule, err := accrual.NewTierSchedule([]accrual.Tier{
		{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
	})
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}
	ledger, err := accrual.NewLedger(accrual.Snapshot{LastUpdate: testEpoch}, schedule, testEpoch)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	ledger.SetPrincipal(decimal.RequireFromString("100"), testEpoch)
	userID, err := accrual.NewUserID("restart-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	deps := Deps{Local: local, Syncer: syncer.New(remote, nil), Clock: manual}

	first := New(userID, ledger, deps, quietConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go first.Run(ctx)

	manual.Advance(time.Hour)
	if err := first.Suspend(context.Background()); err != nil {
		test.Fatalf("suspend: %v", err)
	}

	// Teardown two hours into the suspension: flush advances and persists
	// the ledger, but the gap record stays behind for the next start.
	manual.Advance(2 * time.Hour)
	cancel()
	<-first.Done()

	manual.Advance(time.Hour)
	snapshot, found, err := local.LoadSnapshot(context.Background(), userID)
	if err != nil || !found {
		test.Fatalf("restore: found=%v err=%v", found, err)
	}
	restored, err := accrual.NewLedger(snapshot, schedule, manual.Now())
	if err != nil {
		test.Fatalf("restored ledger: %v", err)
	}
	second := New(userID, restored, deps, quietConfig())
	second.Bootstrap(context.Background())

	expected := snapshot.Rate.Mul(decimal.NewFromInt(4 * 3600))
	if !restored.Snapshot().Accrued.Equal(expected) {
		test.Fatalf("expected %s (4h of continuous accrual), got %s", expected, restored.Snapshot().Accrued)
	}
}

func TestSlowEventAppendDoesNotStallCommands(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	gate := make(chan struct{})
	fix.remote.mu.Lock()
	fix.remote.appendGate = gate
	fix.remote.mu.Unlock()
	defer close(gate)

	fix.manual.Advance(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	claimed, err := fix.session.Claim(ctx)
	if err != nil {
		test.Fatalf("claim blocked on remote event append: %v", err)
	}
	if !claimed.IsPositive() {
		test.Fatalf("expected positive claim, got %s", claimed)
	}
	if _, err := fix.session.Current(ctx); err != nil {
		test.Fatalf("loop stalled after claim: %v", err)
	}
}

func TestSetPrincipalPreservesAccruedValue(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, quietConfig())
	fix.manual.Advance(time.Hour)

	before, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}
	after, err := fix.session.SetPrincipal(context.Background(), decimal.RequireFromString("500"))
	if err != nil {
		test.Fatalf("set principal: %v", err)
	}
	if !after.Snapshot.Accrued.Equal(before.Snapshot.Accrued) {
		test.Fatalf("principal change altered accrued: %s -> %s", before.Snapshot.Accrued, after.Snapshot.Accrued)
	}
	if !after.Snapshot.Principal.Equal(decimal.RequireFromString("500")) {
		test.Fatalf("principal not updated: %s", after.Snapshot.Principal)
	}
}

func TestTickPersistsAndNotifiesSubscribers(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, Config{TickInterval: 5 * time.Millisecond, SyncInterval: time.Hour})
	updates := fix.session.Subscribe()

	fix.manual.Advance(time.Minute)
	select {
	case view := <-updates:
		if !view.Snapshot.Active {
			test.Fatalf("expected active snapshot in update")
		}
	case <-time.After(2 * time.Second):
		test.Fatalf("no subscriber update within deadline")
	}

	fix.local.mu.Lock()
	_, saved := fix.local.snapshots["session-user"]
	fix.local.mu.Unlock()
	if !saved {
		test.Fatalf("tick did not persist snapshot")
	}
}

func TestPushFailureDoesNotStopAccrual(test *testing.T) {
	test.Parallel()
	fix := newFixture(test, Config{TickInterval: 5 * time.Millisecond, SyncInterval: 5 * time.Millisecond})
	fix.remote.mu.Lock()
	fix.remote.pushErr = errors.New("backend down")
	fix.remote.mu.Unlock()

	updates := fix.session.Subscribe()
	fix.manual.Advance(time.Minute)

	// Wait for a few loop iterations with the backend failing.
	for index := 0; index < 3; index++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			test.Fatalf("loop stalled after push failures")
		}
	}

	view, err := fix.session.Current(context.Background())
	if err != nil {
		test.Fatalf("current: %v", err)
	}
	if !view.Snapshot.Accrued.IsPositive() {
		test.Fatalf("accrual stopped on push failure")
	}
}

func TestBootstrapReconcilesRemoteRecord(test *testing.T) {
	test.Parallel()
	manual := clock.NewManual(testEpoch.Add(10 * time.Minute))
	local := newStubLocal()
	remote := newStubRemote()
	schedule, err := accrual.NewTierSchedule([]accrual.Tier{
		{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
	})
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}
	ledger, err := accrual.NewLedger(accrual.Snapshot{LastUpdate: testEpoch}, schedule, testEpoch)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	ledger.SetPrincipal(decimal.RequireFromString("100"), testEpoch)
	userID, err := accrual.NewUserID("bootstrap-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	remote.records[userID.String()] = accrual.RemoteRecord{
		UserID:          userID.String(),
		CurrentEarnings: decimal.RequireFromString("0.9"),
		TotalEarned:     decimal.RequireFromString("5"),
		Principal:       decimal.RequireFromString("100"),
		LastUpdate:      testEpoch.Add(5 * time.Minute),
	}

	created := New(userID, ledger, Deps{
		Local:  local,
		Syncer: syncer.New(remote, nil),
		Clock:  manual,
	}, quietConfig())
	created.Bootstrap(context.Background())

	snapshot := ledger.Snapshot()
	replayed := decimal.RequireFromString("0.9").Add(snapshot.Rate.Mul(decimal.NewFromInt(300)))
	if !snapshot.Accrued.Equal(replayed) {
		test.Fatalf("expected %s after reconcile, got %s", replayed, snapshot.Accrued)
	}
	if !ledger.TotalEarned().Equal(decimal.RequireFromString("5")) {
		test.Fatalf("total earned not adopted: %s", ledger.TotalEarned())
	}

	local.mu.Lock()
	_, saved := local.snapshots[userID.String()]
	local.mu.Unlock()
	if !saved {
		test.Fatalf("bootstrap did not persist reconciled snapshot")
	}
}
