package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// Mock implementations

type mockMessenger struct {
	mu            sync.Mutex
	fail          bool
	userTexts     map[string][]string
	operatorTexts map[string][]string
	userCards     map[string][]repo.Card
	operatorCards map[string][]repo.Card
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{
		userTexts:     make(map[string][]string),
		operatorTexts: make(map[string][]string),
		userCards:     make(map[string][]repo.Card),
		operatorCards: make(map[string][]repo.Card),
	}
}

func (m *mockMessenger) SendToUser(ctx context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("delivery failed")
	}
	m.userTexts[userID] = append(m.userTexts[userID], text)
	return nil
}

func (m *mockMessenger) SendToOperator(ctx context.Context, operatorID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("delivery failed")
	}
	m.operatorTexts[operatorID] = append(m.operatorTexts[operatorID], text)
	return nil
}

func (m *mockMessenger) SendCardToUser(ctx context.Context, userID string, card repo.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("delivery failed")
	}
	m.userCards[userID] = append(m.userCards[userID], card)
	return nil
}

func (m *mockMessenger) SendCardToOperator(ctx context.Context, operatorID string, card repo.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("delivery failed")
	}
	m.operatorCards[operatorID] = append(m.operatorCards[operatorID], card)
	return nil
}

func (m *mockMessenger) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *mockMessenger) operatorCardCount(operatorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operatorCards[operatorID])
}

type mockHistory struct {
	mu      sync.Mutex
	records []*domain.HistoryRecord
	ratings map[string]int
}

func newMockHistory() *mockHistory {
	return &mockHistory{ratings: make(map[string]int)}
}

func (m *mockHistory) Append(ctx context.Context, record *domain.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockHistory) AttachRating(ctx context.Context, sessionID string, stars int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[sessionID] = stars
	return nil
}

func (m *mockHistory) RecentByUser(ctx context.Context, userID string, limit int) ([]*domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HistoryRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].Session.UserID == userID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *mockHistory) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *mockHistory) Close() error { return nil }

type testEnv struct {
	engine    *EscalationEngine
	messenger *mockMessenger
	history   *mockHistory
	clock     *fakeClock
	directory *OperatorDirectory
	queue     *WaitingQueue
	registry  *SessionRegistry
}

func newTestEnv(cfg EngineConfig, operators ...domain.Operator) *testEnv {
	if operators == nil {
		operators = testOperators()
	}
	clock := newFakeClock()
	messenger := newMockMessenger()
	history := newMockHistory()
	queue := NewWaitingQueue()
	registry := NewSessionRegistry(clock)
	directory := NewOperatorDirectory(operators)
	log := zap.NewNop()
	fanout := NewNotificationFanout(directory, messenger, log)
	engine := NewEscalationEngine(queue, registry, directory, fanout, messenger, history, clock, log, cfg)
	return &testEnv{
		engine:    engine,
		messenger: messenger,
		history:   history,
		clock:     clock,
		directory: directory,
		queue:     queue,
		registry:  registry,
	}
}

func escalateParams(userID string) EscalateParams {
	return EscalateParams{
		UserID:          userID,
		DisplayName:     "User " + userID,
		ChatID:          "chat-" + userID,
		OriginalMessage: "I need help",
	}
}

// Tests

func TestFullCycle(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	pos, err := env.engine.Escalate(ctx, escalateParams("u1"))
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
	if got := env.engine.Status("u1"); got != domain.StatusWaitingOperator {
		t.Errorf("status = %v, want waiting_operator", got)
	}
	// Both active operators got the accept card.
	if env.messenger.operatorCardCount("op-1") != 1 || env.messenger.operatorCardCount("op-2") != 1 {
		t.Error("accept card not fanned out to all active operators")
	}

	session, err := env.engine.Claim(ctx, "op-1", "u1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusWithOperator {
		t.Errorf("status = %v, want with_operator", got)
	}

	env.clock.Advance(3 * time.Minute)
	if err := env.engine.RelayFromUser(ctx, "u1", "hello?", domain.KindText); err != nil {
		t.Fatalf("RelayFromUser: %v", err)
	}
	if _, err := env.engine.RelayFromOperator(ctx, "op-1", "hi, how can I help?"); err != nil {
		t.Fatalf("RelayFromOperator: %v", err)
	}

	record, err := env.engine.EndByOperator(ctx, "op-1", "x")
	if err != nil {
		t.Fatalf("EndByOperator: %v", err)
	}
	if record.EndReason != "x" {
		t.Errorf("end reason = %q, want x", record.EndReason)
	}
	if record.Duration != 3*time.Minute {
		t.Errorf("duration = %v, want 3m", record.Duration)
	}
	if got := env.engine.Status("u1"); got != domain.StatusRatingOperator {
		t.Errorf("status = %v, want rating_operator", got)
	}
	if n, _ := env.history.Count(ctx); n != 1 {
		t.Errorf("archived sessions = %d, want 1", n)
	}

	if err := env.engine.Rate(ctx, "u1", "op-1", 5); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusNormal {
		t.Errorf("status = %v, want normal", got)
	}

	op, _ := env.directory.Info("op-1")
	if op.Rating != 5.0 || op.TotalSessions != 1 {
		t.Errorf("operator rating = %v/%d sessions, want 5.0/1", op.Rating, op.TotalSessions)
	}
	env.history.mu.Lock()
	stars := env.history.ratings[session.SessionID]
	env.history.mu.Unlock()
	if stars != 5 {
		t.Errorf("archived rating = %d, want 5", stars)
	}
}

func TestEscalateRejectedOutsideNormal(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	if _, err := env.engine.Escalate(ctx, escalateParams("u1")); err != domain.ErrAlreadyQueuedOrActive {
		t.Errorf("escalate while waiting error = %v, want ErrAlreadyQueuedOrActive", err)
	}
	if env.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1 (no duplicate)", env.queue.Len())
	}

	env.engine.Claim(ctx, "op-1", "u1")
	if _, err := env.engine.Escalate(ctx, escalateParams("u1")); err != domain.ErrAlreadyQueuedOrActive {
		t.Errorf("escalate while in session error = %v, want ErrAlreadyQueuedOrActive", err)
	}

	env.engine.End(ctx, "u1", "done")
	if _, err := env.engine.Escalate(ctx, escalateParams("u1")); err != domain.ErrInvalidTransition {
		t.Errorf("escalate while rating error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelTwice(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	if err := env.engine.Cancel(ctx, "u1"); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusNormal {
		t.Errorf("status = %v, want normal", got)
	}
	if err := env.engine.Cancel(ctx, "u1"); err != domain.ErrInvalidTransition {
		t.Errorf("second Cancel error = %v, want ErrInvalidTransition", err)
	}
}

func TestQueueRenumbersAfterCancel(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	p1, _ := env.engine.Escalate(ctx, escalateParams("u1"))
	env.clock.Advance(time.Second)
	p2, _ := env.engine.Escalate(ctx, escalateParams("u2"))
	if p1 != 1 || p2 != 2 {
		t.Fatalf("positions = %d, %d, want 1, 2", p1, p2)
	}

	env.engine.Cancel(ctx, "u1")
	if got := env.queue.Position("u2"); got != 1 {
		t.Errorf("u2 position after u1 cancel = %d, want 1", got)
	}
}

func TestClaimAbsentRequest(t *testing.T) {
	env := newTestEnv(EngineConfig{})

	session, err := env.engine.Claim(context.Background(), "op-1", "nobody")
	if err != domain.ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if session != nil {
		t.Error("session created for absent request")
	}
	if env.registry.Count() != 0 {
		t.Error("registry not empty")
	}
}

func TestClaimByNonOperator(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.engine.Escalate(ctx, escalateParams("u1"))

	if _, err := env.engine.Claim(ctx, "stranger", "u1"); err != domain.ErrNotOperator {
		t.Errorf("error = %v, want ErrNotOperator", err)
	}
	if !env.queue.Contains("u1") {
		t.Error("request consumed by rejected claim")
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.engine.Escalate(ctx, escalateParams("u1"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, op := range []string{"op-1", "op-2"} {
		wg.Add(1)
		go func(i int, op string) {
			defer wg.Done()
			_, errs[i] = env.engine.Claim(ctx, op, "u1")
		}(i, op)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch err {
		case nil:
			wins++
		case domain.ErrNotFound:
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d claims won, want exactly 1", wins)
	}
	if env.registry.Count() != 1 {
		t.Errorf("sessions = %d, want 1", env.registry.Count())
	}
	if got := env.engine.Status("u1"); got != domain.StatusWithOperator {
		t.Errorf("status = %v, want with_operator", got)
	}
}

func TestSessionLimit(t *testing.T) {
	env := newTestEnv(EngineConfig{MaxSessionsPerOperator: 1})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Escalate(ctx, escalateParams("u2"))

	if _, err := env.engine.Claim(ctx, "op-1", "u1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := env.engine.Claim(ctx, "op-1", "u2"); err != domain.ErrSessionLimit {
		t.Errorf("second claim error = %v, want ErrSessionLimit", err)
	}
	// Another operator can still take it.
	if _, err := env.engine.Claim(ctx, "op-2", "u2"); err != nil {
		t.Errorf("claim by op-2: %v", err)
	}
}

func TestWaitingMessagesBuffered(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.engine.Escalate(ctx, escalateParams("u1"))

	for i := 0; i < 7; i++ {
		if !env.engine.AppendWaiting("u1", fmt.Sprintf("extra %d", i), domain.KindText) {
			t.Fatalf("AppendWaiting %d failed", i)
		}
	}
	req := env.queue.Get("u1")
	if len(req.Pending) != domain.MaxPendingMessages {
		t.Errorf("pending = %d, want %d", len(req.Pending), domain.MaxPendingMessages)
	}

	if env.engine.AppendWaiting("u2", "not waiting", domain.KindText) {
		t.Error("AppendWaiting for non-waiting user succeeded")
	}
}

func TestRelayAttributionAndOrder(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Claim(ctx, "op-1", "u1")

	for i := 0; i < 5; i++ {
		env.clock.Advance(time.Second)
		if err := env.engine.RelayFromUser(ctx, "u1", fmt.Sprintf("q%d", i), domain.KindText); err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
	}

	session := env.engine.Session("u1")
	if len(session.Transcript) != 5 {
		t.Fatalf("transcript len = %d, want 5", len(session.Transcript))
	}
	for i, entry := range session.Transcript {
		if entry.Sender != domain.SenderUser {
			t.Errorf("entry %d sender = %s, want user", i, entry.Sender)
		}
		if want := fmt.Sprintf("q%d", i); entry.Content != want {
			t.Errorf("entry %d content = %q, want %q", i, entry.Content, want)
		}
	}
	if len(env.messenger.operatorTexts["op-1"]) != 5 {
		t.Errorf("operator received %d relays, want 5", len(env.messenger.operatorTexts["op-1"]))
	}
}

func TestRelayOutsideSession(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	if err := env.engine.RelayFromUser(ctx, "u1", "anyone?", domain.KindText); err != domain.ErrInvalidTransition {
		t.Errorf("relay in normal error = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.engine.RelayFromOperator(ctx, "op-1", "hello"); err != domain.ErrNoActiveSession {
		t.Errorf("operator relay without session error = %v, want ErrNoActiveSession", err)
	}
}

func TestOperatorRelayTargetsNewestSession(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Claim(ctx, "op-1", "u1")
	env.clock.Advance(time.Minute)
	env.engine.Escalate(ctx, escalateParams("u2"))
	env.engine.Claim(ctx, "op-1", "u2")

	session, err := env.engine.RelayFromOperator(ctx, "op-1", "checking in")
	if err != nil {
		t.Fatalf("RelayFromOperator: %v", err)
	}
	if session.UserID != "u2" {
		t.Errorf("relay went to %s, want newest session u2", session.UserID)
	}
	if len(env.messenger.userTexts["u2"]) != 1 {
		t.Error("u2 did not receive the operator message")
	}
}

func TestDeliveryFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.messenger.setFail(true)

	if _, err := env.engine.Escalate(ctx, escalateParams("u1")); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusWaitingOperator {
		t.Errorf("status after failed fanout = %v, want waiting_operator", got)
	}

	if _, err := env.engine.Claim(ctx, "op-1", "u1"); err != nil {
		t.Fatalf("Claim with failing messenger: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusWithOperator {
		t.Errorf("status after failed notices = %v, want with_operator", got)
	}

	// The relay reports the failure, but the transcript keeps the message.
	if err := env.engine.RelayFromUser(ctx, "u1", "hello", domain.KindText); err == nil {
		t.Error("relay with failing messenger should report the delivery error")
	}
	if session := env.engine.Session("u1"); len(session.Transcript) != 1 {
		t.Errorf("transcript len = %d, want 1 (append committed before send)", len(session.Transcript))
	}

	if _, err := env.engine.End(ctx, "u1", "done"); err != nil {
		t.Fatalf("End with failing messenger: %v", err)
	}
	// Rating prompt failed, but the user is still in the rating step.
	if got := env.engine.Status("u1"); got != domain.StatusRatingOperator {
		t.Errorf("status after failed rating prompt = %v, want rating_operator", got)
	}
}

func TestRateValidation(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	if err := env.engine.Rate(ctx, "u1", "op-1", 5); err != domain.ErrInvalidTransition {
		t.Errorf("rate in normal error = %v, want ErrInvalidTransition", err)
	}

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Claim(ctx, "op-1", "u1")
	env.engine.End(ctx, "u1", "done")

	if err := env.engine.Rate(ctx, "u1", "op-1", 9); err == nil {
		t.Error("out-of-range stars accepted")
	}
	if err := env.engine.Rate(ctx, "u1", "op-2", 5); err != domain.ErrNotFound {
		t.Errorf("mismatched operator error = %v, want ErrNotFound", err)
	}
	// Empty operator id rates the pending session.
	if err := env.engine.Rate(ctx, "u1", "", 4); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	op, _ := env.directory.Info("op-1")
	if op.TotalSessions != 1 {
		t.Errorf("total sessions = %d, want 1", op.TotalSessions)
	}
}

func TestSkipRating(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Claim(ctx, "op-1", "u1")
	env.engine.End(ctx, "u1", "done")

	if err := env.engine.Skip(ctx, "u1"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if got := env.engine.Status("u1"); got != domain.StatusNormal {
		t.Errorf("status = %v, want normal", got)
	}
	op, _ := env.directory.Info("op-1")
	if op.TotalSessions != 0 {
		t.Error("skip must not touch the operator's counters")
	}
	if err := env.engine.Skip(ctx, "u1"); err != domain.ErrInvalidTransition {
		t.Errorf("second Skip error = %v, want ErrInvalidTransition", err)
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()
	env.engine.Escalate(ctx, escalateParams("u1"))

	if err := env.engine.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := env.messenger.operatorCardCount("op-1"); got != 2 {
		t.Errorf("operator notices = %d, want 2 (initial + refresh)", got)
	}
	// The refreshed request is still claimable exactly once.
	if _, err := env.engine.Claim(ctx, "op-1", "u1"); err != nil {
		t.Fatalf("claim after refresh: %v", err)
	}
	if _, err := env.engine.Claim(ctx, "op-2", "u1"); err != domain.ErrNotFound {
		t.Errorf("second claim error = %v, want ErrNotFound", err)
	}

	if err := env.engine.Refresh(ctx, "u1"); err != domain.ErrInvalidTransition {
		t.Errorf("refresh while in session error = %v, want ErrInvalidTransition", err)
	}
}

func TestRefreshStale(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.clock.Advance(10 * time.Minute)
	env.engine.Escalate(ctx, escalateParams("u2"))

	if got := env.engine.RefreshStale(ctx, 5*time.Minute); got != 1 {
		t.Errorf("refreshed = %d, want 1 (only u1 is stale)", got)
	}
}

func TestStatusConsistency(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	check := func(step string) {
		t.Helper()
		for _, userID := range []string{"u1", "u2"} {
			waiting := env.queue.Contains(userID)
			active := env.registry.Contains(userID)
			if waiting && active {
				t.Fatalf("%s: %s has both a request and a session", step, userID)
			}
			status := env.engine.Status(userID)
			if waiting != (status == domain.StatusWaitingOperator) {
				t.Fatalf("%s: %s queue presence inconsistent with status %v", step, userID, status)
			}
			if active != (status == domain.StatusWithOperator) {
				t.Fatalf("%s: %s session presence inconsistent with status %v", step, userID, status)
			}
		}
	}

	env.engine.Escalate(ctx, escalateParams("u1"))
	check("after escalate")
	env.engine.Escalate(ctx, escalateParams("u2"))
	check("after second escalate")
	env.engine.Claim(ctx, "op-1", "u1")
	check("after claim")
	env.engine.Cancel(ctx, "u2")
	check("after cancel")
	env.engine.End(ctx, "u1", "done")
	check("after end")
	env.engine.Skip(ctx, "u1")
	check("after skip")
}

func TestInfo(t *testing.T) {
	env := newTestEnv(EngineConfig{})
	ctx := context.Background()

	env.engine.Escalate(ctx, escalateParams("u1"))
	env.engine.Escalate(ctx, escalateParams("u2"))
	env.engine.Claim(ctx, "op-1", "u1")

	info := env.engine.Info()
	if info.WaitingCount != 1 {
		t.Errorf("waiting = %d, want 1", info.WaitingCount)
	}
	if info.ActiveSessions != 1 {
		t.Errorf("sessions = %d, want 1", info.ActiveSessions)
	}
	if info.ActiveOperators != 2 {
		t.Errorf("active operators = %d, want 2", info.ActiveOperators)
	}
	if len(info.Queue) != 1 || info.Queue[0].UserID != "u2" {
		t.Errorf("queue snapshot = %+v, want just u2", info.Queue)
	}
}
