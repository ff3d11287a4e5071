package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailingService/internal/db"
	"MailingService/internal/email"
	"MailingService/internal/models"
)

// memStore is an in-memory Store that records every write.
type memStore struct {
	mu       sync.Mutex
	mailings map[int64]models.Mailing
	clients  map[int64][]string
	logs     []models.MailingLog
	updates  int

	listErr    error
	clientsErr error
	recordErr  error
	locked     bool
}

func newMemStore(mailings ...models.Mailing) *memStore {
	s := &memStore{mailings: map[int64]models.Mailing{}, clients: map[int64][]string{}}
	for _, m := range mailings {
		s.mailings[m.ID] = m
	}
	return s
}

func (s *memStore) ActiveMailings(context.Context) ([]models.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Mailing
	for id := int64(1); id <= int64(len(s.mailings)); id++ {
		if m, ok := s.mailings[id]; ok && m.Active() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) ClientEmails(_ context.Context, ownerID int64) ([]string, error) {
	if s.clientsErr != nil {
		return nil, s.clientsErr
	}
	return s.clients[ownerID], nil
}

func (s *memStore) RecordAttempt(_ context.Context, log models.MailingLog, tr *models.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr != nil && s.recordErr != nil {
		return false, s.recordErr
	}
	s.logs = append(s.logs, log)
	if tr == nil {
		return false, nil
	}
	cur := s.mailings[tr.From.ID]
	if cur.Status != tr.From.Status || !cur.NextSendAt.Equal(tr.From.NextSendAt) {
		return false, nil
	}
	s.mailings[tr.To.ID] = tr.To
	s.updates++
	return true, nil
}

func (s *memStore) RescheduleNow(_ context.Context, id int64, at time.Time) (models.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[id]
	if !ok {
		return m, db.ErrNotFound
	}
	if !m.Active() {
		return m, db.ErrNotActive
	}
	if at.Before(m.NextSendAt) {
		m.NextSendAt = at
	}
	s.mailings[id] = m
	return m, nil
}

func (s *memStore) FinishMailing(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[id]
	if !ok {
		return db.ErrNotFound
	}
	if m.Status != models.StatusRunning {
		return db.ErrNotRunning
	}
	m.Status = models.StatusFinished
	s.mailings[id] = m
	return nil
}

func (s *memStore) AcquireDispatchLock(context.Context) (func(), bool, error) {
	if s.locked {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

var testNow = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(store Store, sender Sender) *Dispatcher {
	return &Dispatcher{
		Store:  store,
		Sender: sender,
		Now:    func() time.Time { return testNow },
	}
}

func TestRunCycleLeavesFutureMailingsUntouched(t *testing.T) {
	future := models.Mailing{ID: 1, Title: "later", Status: models.StatusCreated, Regularity: models.RegularityDaily, NextSendAt: testNow.Add(time.Minute), OwnerID: 1}
	store := newMemStore(future)
	store.clients[1] = []string{"a@example.com"}
	sender := &fakeSender{}

	report, err := newTestDispatcher(store, sender).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Due)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeSkipped, report.Results[0].Outcome)
	assert.Empty(t, sender.sent)
	assert.Empty(t, store.logs)
	assert.Zero(t, store.updates)
	assert.Equal(t, future, store.mailings[1])
}

func TestRunCycleOneTimeMailingFinishes(t *testing.T) {
	next := testNow.Add(-time.Second)
	store := newMemStore(models.Mailing{ID: 1, Title: "Launch", Body: "We are live", Status: models.StatusCreated, NextSendAt: next, OwnerID: 5})
	store.clients[5] = []string{"a@example.com", "b@example.com"}
	sender := &fakeSender{}
	d := newTestDispatcher(store, sender)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, email.Message{Subject: "Launch", Body: "We are live", To: []string{"a@example.com", "b@example.com"}}, sender.sent[0])

	got := store.mailings[1]
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, next, got.NextSendAt)
	require.Len(t, store.logs, 1)
	assert.True(t, store.logs[0].Success)
	assert.Equal(t, models.ResponseOK, store.logs[0].Response)

	// A finished mailing is never picked up again.
	_, err = d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, sender.sent, 1)
	assert.Len(t, store.logs, 1)
}

func TestRunCycleDailyMailingMovesOneDay(t *testing.T) {
	next := testNow.Add(-time.Minute)
	store := newMemStore(models.Mailing{ID: 1, Title: "Daily", Status: models.StatusCreated, Regularity: models.RegularityDaily, NextSendAt: next, OwnerID: 1})
	store.clients[1] = []string{"a@example.com"}

	_, err := newTestDispatcher(store, &fakeSender{}).RunCycle(context.Background())
	require.NoError(t, err)

	got := store.mailings[1]
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 24*time.Hour, got.NextSendAt.Sub(next))
}

func TestRunCycleSendFailureRecordsOneFailureLog(t *testing.T) {
	original := models.Mailing{ID: 1, Title: "Weekly", Status: models.StatusRunning, Regularity: models.RegularityWeekly, NextSendAt: testNow.Add(-time.Hour), OwnerID: 1}
	healthy := models.Mailing{ID: 2, Title: "Other", Status: models.StatusCreated, NextSendAt: testNow.Add(-time.Hour), OwnerID: 2}
	store := newMemStore(original, healthy)
	store.clients[1] = []string{"a@example.com"}
	store.clients[2] = []string{"b@example.com"}

	sender := &selectiveSender{failFor: "Weekly", err: errors.New("smtp send error: 421 try later")}

	report, err := newTestDispatcher(store, sender).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Sent)

	assert.Equal(t, original, store.mailings[1], "failed mailing keeps status and next send time")
	assert.Equal(t, models.StatusFinished, store.mailings[2].Status, "loop continues after a failure")

	var failures []models.MailingLog
	for _, l := range store.logs {
		if l.MailingID == 1 {
			failures = append(failures, l)
		}
	}
	require.Len(t, failures, 1)
	assert.False(t, failures[0].Success)
	assert.Equal(t, "smtp send error: 421 try later", failures[0].Response)
	assert.Equal(t, "smtp send error: 421 try later", report.Results[0].Error)
}

type selectiveSender struct {
	failFor string
	err     error
}

func (s *selectiveSender) Send(_ context.Context, msg email.Message) error {
	if msg.Subject == s.failFor {
		return s.err
	}
	return nil
}

func TestRunCycleRecipientLookupFailure(t *testing.T) {
	m := models.Mailing{ID: 1, Title: "x", Status: models.StatusCreated, NextSendAt: testNow, OwnerID: 1}
	store := newMemStore(m)
	store.clientsErr = errors.New("connection reset")
	sender := &fakeSender{}

	report, err := newTestDispatcher(store, sender).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, sender.sent)
	require.Len(t, store.logs, 1)
	assert.False(t, store.logs[0].Success)
	assert.Contains(t, store.logs[0].Response, "connection reset")
	assert.Equal(t, m, store.mailings[1])
}

func TestRunCycleStoreWriteFailureKeepsMailing(t *testing.T) {
	m := models.Mailing{ID: 1, Title: "x", Status: models.StatusCreated, Regularity: models.RegularityDaily, NextSendAt: testNow, OwnerID: 1}
	store := newMemStore(m)
	store.clients[1] = []string{"a@example.com"}
	store.recordErr = errors.New("disk full")

	report, err := newTestDispatcher(store, &fakeSender{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, m, store.mailings[1])
	require.Len(t, store.logs, 1)
	assert.False(t, store.logs[0].Success)
	assert.Contains(t, store.logs[0].Response, "disk full")
}

func TestRunCycleRecoversFromPanickingSender(t *testing.T) {
	m := models.Mailing{ID: 1, Title: "x", Status: models.StatusCreated, NextSendAt: testNow, OwnerID: 1}
	store := newMemStore(m)
	store.clients[1] = []string{"a@example.com"}

	report, err := newTestDispatcher(store, panicSender{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, store.logs, 1)
	assert.Contains(t, store.logs[0].Response, "panic")
}

type panicSender struct{}

func (panicSender) Send(context.Context, email.Message) error { panic("boom") }

func TestRunCycleWithoutRecipientsSucceeds(t *testing.T) {
	store := newMemStore(models.Mailing{ID: 1, Title: "x", Status: models.StatusCreated, NextSendAt: testNow, OwnerID: 1})
	store.clients[1] = []string{"not-an-address"}
	sender := &fakeSender{}

	report, err := newTestDispatcher(store, sender).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Empty(t, sender.sent, "nothing to send")
	require.Len(t, store.logs, 1)
	assert.True(t, store.logs[0].Success)
	assert.Equal(t, ResponseNoRecipients, store.logs[0].Response)
	assert.Equal(t, models.StatusFinished, store.mailings[1].Status)
}

func TestRunCycleErrors(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("db down")
	_, err := newTestDispatcher(store, &fakeSender{}).RunCycle(context.Background())
	assert.ErrorContains(t, err, "db down")

	locked := newMemStore()
	locked.locked = true
	_, err = newTestDispatcher(locked, &fakeSender{}).RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	d := newTestDispatcher(newMemStore(), &fakeSender{})
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestSendNowAndFinish(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(
		models.Mailing{ID: 1, Title: "monthly", Status: models.StatusCreated, Regularity: models.RegularityMonthly, NextSendAt: testNow.Add(72 * time.Hour), OwnerID: 1},
		models.Mailing{ID: 2, Title: "done", Status: models.StatusFinished, NextSendAt: testNow, OwnerID: 1},
	)
	store.clients[1] = []string{"a@example.com"}
	d := newTestDispatcher(store, &fakeSender{})

	report, err := d.SendNow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, models.StatusRunning, store.mailings[1].Status)
	assert.Equal(t, testNow.Add(30*24*time.Hour), store.mailings[1].NextSendAt)

	_, err = d.SendNow(ctx, 2)
	assert.ErrorIs(t, err, db.ErrNotActive)
	_, err = d.SendNow(ctx, 3)
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, d.Finish(ctx, 1))
	assert.Equal(t, models.StatusFinished, store.mailings[1].Status)
	assert.ErrorIs(t, d.Finish(ctx, 1), db.ErrNotRunning)
}

// hookSender calls during before reporting success, the way an owner acts
// while a send is in flight.
type hookSender struct {
	during func()
}

func (h *hookSender) Send(context.Context, email.Message) error {
	h.during()
	return nil
}

func TestRunCycleKeepsFinishDuringSend(t *testing.T) {
	ctx := context.Background()
	m := models.Mailing{ID: 1, Title: "daily", Status: models.StatusRunning, Regularity: models.RegularityDaily, NextSendAt: testNow.Add(-time.Second), OwnerID: 1}
	store := newMemStore(m)
	store.clients[1] = []string{"a@example.com"}
	d := newTestDispatcher(store, nil)
	d.Sender = &hookSender{during: func() { require.NoError(t, d.Finish(ctx, 1)) }}

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Superseded)

	assert.Equal(t, models.StatusFinished, store.mailings[1].Status)
	assert.Equal(t, m.NextSendAt, store.mailings[1].NextSendAt)
	assert.Zero(t, store.updates)
	require.Len(t, store.logs, 1)
	assert.True(t, store.logs[0].Success, "the send happened and is logged")
}

func TestRunCycleKeepsRescheduleDuringSend(t *testing.T) {
	ctx := context.Background()
	m := models.Mailing{ID: 1, Title: "weekly", Status: models.StatusRunning, Regularity: models.RegularityWeekly, NextSendAt: testNow.Add(-time.Minute), OwnerID: 1}
	store := newMemStore(m)
	store.clients[1] = []string{"a@example.com"}
	earlier := testNow.Add(-time.Hour)
	d := newTestDispatcher(store, &hookSender{during: func() {
		_, err := store.RescheduleNow(ctx, 1, earlier)
		require.NoError(t, err)
	}})

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Results[0].Superseded)
	assert.Equal(t, earlier, store.mailings[1].NextSendAt)
	assert.Equal(t, models.StatusRunning, store.mailings[1].Status)
}

// The scenarios below run against the SQLite store.

func newSQLiteDispatcher(t *testing.T, now time.Time, sender Sender) (*Dispatcher, *db.SQLiteStore) {
	t.Helper()
	store, err := db.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	return &Dispatcher{Store: store, Sender: sender, Now: func() time.Time { return now }}, store
}

func TestScenarioWeeklyCreatedMailing(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	d, store := newSQLiteDispatcher(t, now, &fakeSender{})

	_, err := store.UpsertClients(ctx, 1, []models.Client{{Email: "a@example.com", FullName: "Ann"}})
	require.NoError(t, err)
	next := now.Add(-time.Second)
	m := models.Mailing{Title: "weekly", Body: "b", NextSendAt: next, Regularity: models.RegularityWeekly, OwnerID: 1}
	require.NoError(t, store.InsertMailing(ctx, &m))

	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	got, err := store.GetMailing(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.True(t, next.Add(7*24*time.Hour).Equal(got.NextSendAt), "next send %s", got.NextSendAt)

	logs, err := store.ListLogs(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
}

func TestScenarioRunningOneTimeMailing(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	d, store := newSQLiteDispatcher(t, now, &fakeSender{})

	_, err := store.UpsertClients(ctx, 1, []models.Client{{Email: "a@example.com"}})
	require.NoError(t, err)
	m := models.Mailing{Title: "once", Body: "b", NextSendAt: now.Add(-time.Second), Status: models.StatusRunning, OwnerID: 1}
	require.NoError(t, store.InsertMailing(ctx, &m))

	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	got, err := store.GetMailing(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, got.Status)

	logs, err := store.ListLogs(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, models.ResponseOK, logs[0].Response)
}

func TestSQLiteFinishDuringSendIsKept(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	sender := &hookSender{}
	d, store := newSQLiteDispatcher(t, now, sender)

	_, err := store.UpsertClients(ctx, 1, []models.Client{{Email: "a@example.com"}})
	require.NoError(t, err)
	m := models.Mailing{Title: "daily", Body: "b", NextSendAt: now.Add(-time.Second), Status: models.StatusRunning, Regularity: models.RegularityDaily, OwnerID: 1}
	require.NoError(t, store.InsertMailing(ctx, &m))
	sender.during = func() { require.NoError(t, store.FinishMailing(ctx, m.ID)) }

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	got, err := store.GetMailing(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.True(t, m.NextSendAt.Equal(got.NextSendAt))

	logs, err := store.ListLogs(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
}
