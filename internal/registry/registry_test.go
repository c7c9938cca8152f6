package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/approval"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/bus"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/permission"
	"github.com/xela07ax/guestgate-engine/internal/store"
	"go.uber.org/zap"
)

// --- Стабы зависимостей ---

type stubArchive struct {
	mu       sync.Mutex
	archived []*domain.Session
	fail     bool
}

func (a *stubArchive) ArchiveSession(ctx context.Context, s *domain.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("archive down")
	}
	a.archived = append(a.archived, s.Clone())
	return nil
}

func (a *stubArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

func (a *stubArchive) last() *domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.archived) == 0 {
		return nil
	}
	return a.archived[len(a.archived)-1]
}

type stubResolver struct {
	owners map[string]string // resourceID -> hostID
}

func (r *stubResolver) ResolveOwner(ctx context.Context, resourceID string) (string, string, error) {
	hostID, ok := r.owners[resourceID]
	if !ok {
		return "", "", fmt.Errorf("resource %s: %w", resourceID, domain.ErrNotFound)
	}
	return hostID, "Host " + hostID, nil
}

type stubWatchdog struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func newStubWatchdog() *stubWatchdog {
	return &stubWatchdog{started: make(map[string]int), stopped: make(map[string]int)}
}

func (w *stubWatchdog) Start(ctx context.Context, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started[sessionID]++
}

func (w *stubWatchdog) Stop(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped[sessionID]++
}

func (w *stubWatchdog) counts(sessionID string) (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started[sessionID], w.stopped[sessionID]
}

type noopNotifier struct{}

func (noopNotifier) SendSystemMessage(ctx context.Context, userID, text string) {}

type noopAuditor struct{}

func (noopAuditor) Log(entry audit.Entry) {}

type recordingProcessor struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingProcessor) Process(ctx context.Context, msg *domain.GuestMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, msg.ID)
	return nil
}

func (p *recordingProcessor) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

// flakyStore — Store с выключателем для проверки откатов
type flakyStore struct {
	store.Store
	failSet bool
}

func (f *flakyStore) Set(ctx context.Context, ns, key string, value []byte) error {
	if f.failSet {
		return &domain.PersistenceError{Op: "store.set", Err: errors.New("store down")}
	}
	return f.Store.Set(ctx, ns, key, value)
}

// --- Сборка тестового движка ---

type testEngine struct {
	reg      *Registry
	archive  *stubArchive
	watchdog *stubWatchdog
	proc     *recordingProcessor
	kv       *flakyStore
	clock    *time.Time
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	logger := zap.NewNop()
	kv := &flakyStore{Store: store.NewMemoryStore()}
	archive := &stubArchive{}
	watchdog := newStubWatchdog()
	proc := &recordingProcessor{}
	eventBus := bus.New(logger)

	gate := approval.NewGate(proc, noopNotifier{}, eventBus, kv, noopAuditor{}, logger)

	reg := New(context.Background(), Deps{
		Store:    kv,
		Archive:  archive,
		Checker:  permission.NewChecker(),
		Gate:     gate,
		Bus:      eventBus,
		Notifier: noopNotifier{},
		Auditor:  noopAuditor{},
		Resolver: &stubResolver{owners: map[string]string{"repo-1": "host-1", "doc-1": "host-2"}},
		Logger:   logger,
	}, Config{
		DefaultMaxDuration: 4 * time.Hour,
		DefaultInactivity:  30 * time.Minute,
	})
	reg.SetWatchdog(watchdog)

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time { return clock })
	gate.SetClock(func() time.Time { return clock })

	return &testEngine{reg: reg, archive: archive, watchdog: watchdog, proc: proc, kv: kv, clock: &clock}
}

func (e *testEngine) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *testEngine) request(t *testing.T) *domain.Session {
	t.Helper()
	s, err := e.reg.RequestSession(context.Background(), RequestInput{
		GuestID: "guest-1", GuestName: "Guest One",
		ResourceID: "repo-1", Purpose: "code review",
	})
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	return s
}

func (e *testEngine) approve(t *testing.T, sessionID string, in DecisionInput) {
	t.Helper()
	if in.Action == "" {
		in.Action = "approve"
	}
	if in.DecidedBy == "" {
		in.DecidedBy = "host-1"
	}
	if err := e.reg.Decide(context.Background(), sessionID, in); err != nil {
		t.Fatalf("Decide: %v", err)
	}
}

// activate — типовой путь: запрос + апрув с wildcard-грантом
func (e *testEngine) activate(t *testing.T, settings *domain.SessionSettings) *domain.Session {
	t.Helper()
	s := e.request(t)
	e.approve(t, s.ID, DecisionInput{
		Permissions: []domain.Permission{{Action: "*", Granted: true}},
		Settings:    settings,
	})
	got, err := e.reg.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession after approve: %v", err)
	}
	return got
}

// --- Жизненный цикл ---

func TestRequestSessionValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   RequestInput
	}{
		{"missing fields", RequestInput{GuestID: "guest-1"}},
		{"unresolvable resource", RequestInput{GuestID: "guest-1", ResourceID: "ghost", Purpose: "x"}},
		{"owner requests own resource", RequestInput{GuestID: "host-1", ResourceID: "repo-1", Purpose: "x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.reg.RequestSession(ctx, tc.in); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("RequestSession = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRequestSessionDefaults(t *testing.T) {
	e := newTestEngine(t)
	s := e.request(t)

	if s.Status != domain.SessionPending {
		t.Errorf("status = %s, want pending", s.Status)
	}
	if s.HostID != "host-1" || s.HostName != "Host host-1" {
		t.Errorf("owner not resolved: %s / %s", s.HostID, s.HostName)
	}
	if s.Settings.MaxDuration != 4*time.Hour || s.Settings.AutoEndOnInactivity != 30*time.Minute {
		t.Errorf("default limits not applied: %+v", s.Settings)
	}
	// Базовый грант на переписку
	if len(s.Permissions) != 1 || s.Permissions[0].Action != "chat" || !s.Permissions[0].Granted {
		t.Errorf("default chat grant missing: %+v", s.Permissions)
	}
}

func TestPairUniqueness(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.request(t)

	// Вторая заявка на ту же пару (guest, resource) отбивается
	_, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "again",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate pair = %v, want ErrValidation", err)
	}

	// Другой ресурс того же гостя — можно
	if _, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "doc-1", Purpose: "docs",
	}); err != nil {
		t.Fatalf("different resource: %v", err)
	}

	// После reject пара освобождается
	if err := e.reg.Decide(ctx, s.ID, DecisionInput{Action: "reject", DecidedBy: "host-1"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "retry",
	}); err != nil {
		t.Fatalf("request after reject: %v", err)
	}
}

func TestRequestRollbackOnStoreFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.kv.failSet = true
	_, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "x",
	})
	var pErr *domain.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("RequestSession = %v, want PersistenceError", err)
	}

	// Пара осталась свободной: повтор после восстановления стора проходит
	e.kv.failSet = false
	if _, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "retry",
	}); err != nil {
		t.Fatalf("retry after store recovery: %v", err)
	}
}

func TestApproveStartsSession(t *testing.T) {
	e := newTestEngine(t)
	s := e.activate(t, nil)

	if s.Status != domain.SessionActive {
		t.Errorf("status = %s, want active", s.Status)
	}
	if s.StartedAt == nil {
		t.Error("started_at not stamped")
	}
	// Гранты хоста проштампованы
	perm := s.Permissions[len(s.Permissions)-1]
	if perm.GrantedBy != "host-1" || perm.GrantedAt.IsZero() {
		t.Errorf("grant not stamped: %+v", perm)
	}

	started, stopped := e.watchdog.counts(s.ID)
	if started != 1 || stopped != 0 {
		t.Errorf("watchdog started=%d stopped=%d, want 1/0", started, stopped)
	}
}

func TestDecideOnlyFromPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	err := e.reg.Decide(ctx, s.ID, DecisionInput{Action: "approve", DecidedBy: "host-1"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("approve on active = %v, want ErrInvalidState", err)
	}

	err = e.reg.Decide(ctx, "ghost", DecisionInput{Action: "approve", DecidedBy: "host-1"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("decide on unknown = %v, want ErrNotFound", err)
	}

	err = e.reg.Decide(ctx, s.ID, DecisionInput{Action: "bogus", DecidedBy: "host-1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown action = %v, want ErrValidation", err)
	}

	// Paused возвращается в работу только через Resume: пере-апрув не
	// должен ни пройти, ни сдвинуть StartedAt (иначе duration cap
	// отсчитывался бы заново)
	if err := e.reg.Pause(ctx, s.ID, "host-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	before, _ := e.reg.GetSession(s.ID)
	e.advance(50 * time.Minute)

	err = e.reg.Decide(ctx, s.ID, DecisionInput{Action: "approve", DecidedBy: "host-1"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("approve on paused = %v, want ErrInvalidState", err)
	}
	err = e.reg.Decide(ctx, s.ID, DecisionInput{Action: "modify", DecidedBy: "host-1"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("modify on paused = %v, want ErrInvalidState", err)
	}

	got, _ := e.reg.GetSession(s.ID)
	if got.Status != domain.SessionPaused {
		t.Errorf("status = %s, want paused untouched", got.Status)
	}
	if !got.StartedAt.Equal(*before.StartedAt) {
		t.Errorf("StartedAt moved %v -> %v", before.StartedAt, got.StartedAt)
	}
}

func TestRejectArchivesImmediately(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.request(t)

	if err := e.reg.Decide(ctx, s.ID, DecisionInput{Action: "reject", DecidedBy: "host-1"}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := e.reg.GetSession(s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("rejected session still live")
	}
	archived := e.archive.last()
	if archived == nil || archived.Status != domain.SessionRejected {
		t.Errorf("archived = %+v, want rejected session", archived)
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	if err := e.reg.Pause(ctx, s.ID, "host-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := e.reg.GetSession(s.ID)
	if got.Status != domain.SessionPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	// Повторная пауза — конфликт состояния
	if err := e.reg.Pause(ctx, s.ID, "host-1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("double pause = %v, want ErrInvalidState", err)
	}

	if err := e.reg.Resume(ctx, s.ID, "host-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ = e.reg.GetSession(s.ID)
	if got.Status != domain.SessionActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	if err := e.reg.EndSession(ctx, s.ID, domain.ReasonHostEnded); err != nil {
		t.Fatalf("first EndSession: %v", err)
	}
	if err := e.reg.EndSession(ctx, s.ID, domain.ReasonHostEnded); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}

	if e.archive.count() != 1 {
		t.Errorf("archived %d times, want exactly once", e.archive.count())
	}
	archived := e.archive.last()
	if archived.Status != domain.SessionCompleted || archived.Metadata.EndReason != domain.ReasonHostEnded {
		t.Errorf("archived as %s/%s", archived.Status, archived.Metadata.EndReason)
	}

	_, stopped := e.watchdog.counts(s.ID)
	if stopped != 1 {
		t.Errorf("watchdog stopped %d times, want exactly once", stopped)
	}
}

func TestEndPendingSessionExpires(t *testing.T) {
	e := newTestEngine(t)
	s := e.request(t)

	if err := e.reg.EndSession(context.Background(), s.ID, ""); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	archived := e.archive.last()
	if archived.Status != domain.SessionExpired || archived.Metadata.EndReason != domain.ReasonRequestExpired {
		t.Errorf("pending end archived as %s/%s, want expired/request_expired",
			archived.Status, archived.Metadata.EndReason)
	}
}

func TestEndSessionRetriesArchivalAfterFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	e.archive.fail = true
	err := e.reg.EndSession(ctx, s.ID, domain.ReasonHostEnded)
	var pErr *domain.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("EndSession with broken archive = %v, want PersistenceError", err)
	}

	// Запись осталась живой (терминальной) — повтор добьет архивацию
	got, gerr := e.reg.GetSession(s.ID)
	if gerr != nil {
		t.Fatalf("session evicted despite archive failure: %v", gerr)
	}
	if got.Status != domain.SessionCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	e.archive.fail = false
	if err := e.reg.EndSession(ctx, s.ID, domain.ReasonHostEnded); err != nil {
		t.Fatalf("retry EndSession: %v", err)
	}
	if e.archive.count() != 1 {
		t.Errorf("archived %d times, want 1", e.archive.count())
	}
	if _, err := e.reg.GetSession(s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("session still live after successful retry")
	}
}

// --- Сообщения ---

func TestRetryEvictionAfterBackgroundArchiveFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	// Архив падает в момент inactivity-терминации (фоновый путь,
	// повторного EndSession от вызывающего не будет)
	e.archive.fail = true
	e.advance(31 * time.Minute)
	if done := e.reg.ExpireIfIdle(ctx, s.ID); done {
		t.Fatal("tick reported done despite failed archival")
	}

	// Запись терминальна, осталась в реестре и видна обходу свипера
	stuck := e.reg.TerminalSessions()
	if len(stuck) != 1 || stuck[0].ID != s.ID {
		t.Fatalf("terminal stragglers = %d, want the stuck session", len(stuck))
	}

	// Следующий цикл добивает eviction и освобождает пару (guest, resource)
	e.archive.fail = false
	if err := e.reg.RetryEviction(ctx, s.ID); err != nil {
		t.Fatalf("RetryEviction: %v", err)
	}
	if e.archive.count() != 1 {
		t.Errorf("archived %d times, want 1", e.archive.count())
	}
	if _, err := e.reg.GetSession(s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("session still live after retried eviction")
	}
	if _, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "again",
	}); err != nil {
		t.Fatalf("pair still blocked after eviction: %v", err)
	}

	// На живой сессии RetryEviction ничего не трогает
	if err := e.reg.RetryEviction(ctx, e.reg.PendingSessions()[0].ID); err != nil {
		t.Fatalf("RetryEviction on live session: %v", err)
	}
	if len(e.reg.PendingSessions()) != 1 {
		t.Error("live session evicted by retry pass")
	}
}

func TestSubmitMessagePermissions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.request(t)
	// Апрув без явных грантов: остается только дефолтный chat
	e.approve(t, s.ID, DecisionInput{})

	// Переписка разрешена и уходит downstream сразу
	msg, gated, err := e.reg.SubmitMessage(ctx, s.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "hi", Type: domain.MessageChat,
	})
	if err != nil || gated {
		t.Fatalf("chat submit: gated=%v err=%v", gated, err)
	}
	if got := e.proc.delivered(); len(got) != 1 || got[0] != msg.ID {
		t.Errorf("delivered = %v, want [%s]", got, msg.ID)
	}

	// Действие без гранта — отказ
	_, _, err = e.reg.SubmitMessage(ctx, s.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "run query",
		Type: domain.MessageAction, Action: "db.query.execute",
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("ungranted action = %v, want ErrPermissionDenied", err)
	}
}

func TestSubmitMessageGatesTools(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, &domain.SessionSettings{RequireApprovalForTools: true})

	msg, gated, err := e.reg.SubmitMessage(ctx, s.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "ship it",
		Type: domain.MessageAction, Action: "deploy.service",
	})
	if err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}
	if !gated {
		t.Fatal("tool action must be gated")
	}
	if len(e.proc.delivered()) != 0 {
		t.Error("gated message reached downstream before approval")
	}

	got, _ := e.reg.GetSession(s.ID)
	if got.Metadata.MessageCount != 1 || got.Metadata.GatedCount != 1 {
		t.Errorf("counters = %+v", got.Metadata)
	}

	// Апрув хоста доставляет сообщение и двигает счетчики
	if _, err := e.reg.ApproveMessage(ctx, s.ID, msg.ID, "host-1"); err != nil {
		t.Fatalf("ApproveMessage: %v", err)
	}
	if got := e.proc.delivered(); len(got) != 1 || got[0] != msg.ID {
		t.Errorf("delivered after approve = %v", got)
	}
	got, _ = e.reg.GetSession(s.ID)
	if got.Metadata.ApprovedCount != 1 {
		t.Errorf("approved count = %d, want 1", got.Metadata.ApprovedCount)
	}
	if got.Metadata.ActionUses["deploy.service"] != 1 {
		t.Errorf("action uses = %+v", got.Metadata.ActionUses)
	}
}

func TestSubmitPublishesSubmittedEvent(t *testing.T) {
	e := newTestEngine(t)
	s := e.activate(t, nil)

	// Шина доставляет синхронно: после SubmitMessage срез уже заполнен
	var got []domain.EventType
	e.reg.Bus().SubscribeMessages(bus.SessionWildcard, func(evt domain.SessionEvent) {
		got = append(got, evt.Type)
	})

	if _, _, err := e.reg.SubmitMessage(context.Background(), s.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "hello",
	}); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}

	found := false
	for _, evtType := range got {
		if evtType == domain.EventMessageSubmitted {
			found = true
		}
	}
	if !found {
		t.Errorf("message events = %v, want message_submitted among them", got)
	}
}

func TestSubmitMessageOnlyWhenActive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pending := e.request(t)
	_, _, err := e.reg.SubmitMessage(ctx, pending.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "hi", Type: domain.MessageChat,
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("submit on pending = %v, want ErrInvalidState", err)
	}

	e.approve(t, pending.ID, DecisionInput{})
	if err := e.reg.Pause(ctx, pending.ID, "host-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	_, _, err = e.reg.SubmitMessage(ctx, pending.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "hi", Type: domain.MessageChat,
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("submit on paused = %v, want ErrInvalidState", err)
	}
}

func TestUsageLimitExhaustsAcrossMessages(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.request(t)
	e.approve(t, s.ID, DecisionInput{
		Permissions: []domain.Permission{{
			Action: "doc.comment.add", Granted: true,
			Restrictions: []domain.Restriction{{Kind: domain.RestrictionUsageLimit, MaxUses: 2}},
		}},
	})

	submit := func() error {
		_, _, err := e.reg.SubmitMessage(ctx, s.ID, MessageInput{
			Sender: "guest-1", Role: domain.RoleGuest, Content: "lgtm",
			Type: domain.MessageAction, Action: "doc.comment.add",
		})
		return err
	}

	if err := submit(); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := submit(); err != nil {
		t.Fatalf("second use: %v", err)
	}
	if err := submit(); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("third use = %v, want ErrPermissionDenied", err)
	}
}

// --- Фоновые мониторы ---

func TestExpireIfIdle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	// 29 минут простоя — рано
	e.advance(29 * time.Minute)
	if e.reg.ExpireIfIdle(ctx, s.ID) {
		t.Fatal("session expired before inactivity threshold")
	}

	// 31 минута — завершение по простою
	e.advance(2 * time.Minute)
	if !e.reg.ExpireIfIdle(ctx, s.ID) {
		t.Fatal("session not expired after inactivity threshold")
	}

	archived := e.archive.last()
	if archived.Status != domain.SessionCompleted || archived.Metadata.EndReason != domain.ReasonInactivityTimeout {
		t.Errorf("archived as %s/%s, want completed/inactivity_timeout",
			archived.Status, archived.Metadata.EndReason)
	}
}

func TestActivityResetsIdleClock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	e.advance(25 * time.Minute)
	if _, _, err := e.reg.SubmitMessage(ctx, s.ID, MessageInput{
		Sender: "guest-1", Role: domain.RoleGuest, Content: "still here", Type: domain.MessageChat,
	}); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}

	// 25 минут после сообщения: простой считается от последней активности
	e.advance(25 * time.Minute)
	if e.reg.ExpireIfIdle(ctx, s.ID) {
		t.Fatal("activity did not reset the idle clock")
	}
}

func TestPausedSessionDoesNotAccrueIdle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	if err := e.reg.Pause(ctx, s.ID, "host-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	e.advance(3 * time.Hour)
	if e.reg.ExpireIfIdle(ctx, s.ID) {
		t.Fatal("paused session accrued idle time")
	}
}

func TestApplyComplianceCriticalTerminates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	err := e.reg.ApplyCompliance(ctx, s.ID, []domain.ComplianceFlag{
		{Type: "sensitive_content", Severity: domain.SeverityCritical, Description: "credential leak"},
	})
	if err != nil {
		t.Fatalf("ApplyCompliance: %v", err)
	}

	archived := e.archive.last()
	if archived == nil || archived.Status != domain.SessionCompleted {
		t.Fatal("critical flag did not terminate the session")
	}
	if archived.Metadata.EndReason != domain.ReasonComplianceViolation {
		t.Errorf("end reason = %s, want compliance_violation", archived.Metadata.EndReason)
	}
	if len(archived.Metadata.ComplianceFlags) != 1 || archived.Metadata.ComplianceFlags[0].ID == "" {
		t.Errorf("flag not recorded with defaults: %+v", archived.Metadata.ComplianceFlags)
	}
}

func TestApplyComplianceNonCriticalKeepsSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	err := e.reg.ApplyCompliance(ctx, s.ID, []domain.ComplianceFlag{
		{Type: "restricted_topic", Severity: domain.SeverityHigh, Description: "pricing mention"},
	})
	if err != nil {
		t.Fatalf("ApplyCompliance: %v", err)
	}

	got, gerr := e.reg.GetSession(s.ID)
	if gerr != nil {
		t.Fatal("non-critical flag terminated the session")
	}
	if got.Status != domain.SessionActive || len(got.Metadata.ComplianceFlags) != 1 {
		t.Errorf("session = %s with %d flags", got.Status, len(got.Metadata.ComplianceFlags))
	}
}

func TestApplyComplianceDurationCap(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, &domain.SessionSettings{MaxDuration: time.Hour})

	e.advance(61 * time.Minute)
	if err := e.reg.ApplyCompliance(ctx, s.ID, nil); err != nil {
		t.Fatalf("ApplyCompliance: %v", err)
	}

	archived := e.archive.last()
	if archived == nil || archived.Metadata.EndReason != domain.ReasonDurationExceeded {
		t.Fatal("duration cap not enforced")
	}
}

func TestExpireRequest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.request(t)

	if err := e.reg.ExpireRequest(ctx, s.ID); err != nil {
		t.Fatalf("ExpireRequest: %v", err)
	}

	archived := e.archive.last()
	if archived.Status != domain.SessionExpired || archived.Metadata.EndReason != domain.ReasonRequestExpired {
		t.Errorf("archived as %s/%s", archived.Status, archived.Metadata.EndReason)
	}

	// На не-pending сессии — no-op
	active := e.activate(t, nil)
	if err := e.reg.ExpireRequest(ctx, active.ID); err != nil {
		t.Fatalf("ExpireRequest on active: %v", err)
	}
	if _, err := e.reg.GetSession(active.ID); err != nil {
		t.Error("ExpireRequest touched an active session")
	}
}

func TestResolveFlag(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.activate(t, nil)

	if err := e.reg.ApplyCompliance(ctx, s.ID, []domain.ComplianceFlag{
		{ID: "f1", Type: "restricted_topic", Severity: domain.SeverityLow},
	}); err != nil {
		t.Fatalf("ApplyCompliance: %v", err)
	}

	if err := e.reg.ResolveFlag(ctx, s.ID, "f1", "host-1"); err != nil {
		t.Fatalf("ResolveFlag: %v", err)
	}
	got, _ := e.reg.GetSession(s.ID)
	f := got.Metadata.ComplianceFlags[0]
	if !f.Resolved() || *f.ResolvedBy != "host-1" {
		t.Errorf("flag not resolved: %+v", f)
	}

	if err := e.reg.ResolveFlag(ctx, s.ID, "f1", "host-1"); !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Errorf("double resolve = %v, want ErrAlreadyProcessed", err)
	}
	if err := e.reg.ResolveFlag(ctx, s.ID, "ghost", "host-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown flag = %v, want ErrNotFound", err)
	}
}

// --- Восстановление ---

func TestRestoreRebuildsLiveSessions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	active := e.activate(t, nil)
	pending, err := e.reg.RequestSession(ctx, RequestInput{
		GuestID: "guest-2", ResourceID: "doc-1", Purpose: "docs",
	})
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}

	// Новый реестр поверх того же стора — имитация перезапуска процесса
	logger := zap.NewNop()
	eventBus := bus.New(logger)
	proc := &recordingProcessor{}
	gate := approval.NewGate(proc, noopNotifier{}, eventBus, e.kv, noopAuditor{}, logger)
	watchdog := newStubWatchdog()

	fresh := New(ctx, Deps{
		Store:    e.kv,
		Archive:  e.archive,
		Checker:  permission.NewChecker(),
		Gate:     gate,
		Bus:      eventBus,
		Notifier: noopNotifier{},
		Auditor:  noopAuditor{},
		Resolver: &stubResolver{owners: map[string]string{"repo-1": "host-1", "doc-1": "host-2"}},
		Logger:   logger,
	}, Config{})
	fresh.SetWatchdog(watchdog)

	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := fresh.GetSession(active.ID)
	if err != nil {
		t.Fatalf("active session not restored: %v", err)
	}
	if got.Status != domain.SessionActive {
		t.Errorf("restored status = %s, want active", got.Status)
	}
	if started, _ := watchdog.counts(active.ID); started != 1 {
		t.Error("watchdog not restarted for restored active session")
	}

	if _, err := fresh.GetSession(pending.ID); err != nil {
		t.Errorf("pending session not restored: %v", err)
	}
	// Watchdog для pending не стартует
	if started, _ := watchdog.counts(pending.ID); started != 0 {
		t.Error("watchdog started for pending session")
	}

	// Индекс пар тоже восстановлен
	if _, err := fresh.RequestSession(ctx, RequestInput{
		GuestID: "guest-1", ResourceID: "repo-1", Purpose: "dup",
	}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("pair index not restored: %v", err)
	}
}
