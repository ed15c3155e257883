package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"renderq/internal/model"
	"renderq/internal/repository"
)

// In-memory doubles for the engine's storage interfaces. They enforce the
// same guard semantics as the SQL they stand in for, so the invariant tests
// exercise the real decision points.

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*model.CreditAccount
	events   []model.LedgerEvent
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*model.CreditAccount)}
}

func (l *fakeLedger) grant(userID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		acc = &model.CreditAccount{UserID: userID}
		l.accounts[userID] = acc
	}
	acc.Balance += amount
}

func (l *fakeLedger) account(userID string) model.CreditAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[userID]; ok {
		return *acc
	}
	return model.CreditAccount{UserID: userID}
}

func (l *fakeLedger) record(userID string, kind model.LedgerEventKind, amount int64, jobID string) {
	l.events = append(l.events, model.LedgerEvent{UserID: userID, Kind: kind, Amount: amount, JobID: jobID})
}

func (l *fakeLedger) eventsOfKind(kind model.LedgerEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *fakeLedger) Reserve(_ context.Context, userID, jobID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if acc.Balance < amount {
		return repository.ErrInsufficientCredits
	}
	acc.Balance -= amount
	acc.Reserved += amount
	l.record(userID, model.LedgerReserve, amount, jobID)
	return nil
}

func (l *fakeLedger) FinalizeSpent(_ context.Context, userID, jobID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if acc.Reserved < amount {
		return repository.ErrEscrowUnderflow
	}
	acc.Reserved -= amount
	acc.TotalUsed += amount
	l.record(userID, model.LedgerSpend, amount, jobID)
	return nil
}

func (l *fakeLedger) Refund(_ context.Context, userID, jobID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if acc.Reserved < amount {
		return repository.ErrEscrowUnderflow
	}
	acc.Reserved -= amount
	acc.Balance += amount
	l.record(userID, model.LedgerRefund, amount, jobID)
	return nil
}

func (l *fakeLedger) ReleaseReservation(_ context.Context, userID, jobID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if acc.Reserved < amount {
		return repository.ErrEscrowUnderflow
	}
	acc.Reserved -= amount
	l.record(userID, model.LedgerRelease, amount, jobID)
	return nil
}

func (l *fakeLedger) Grant(_ context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		acc = &model.CreditAccount{UserID: userID}
		l.accounts[userID] = acc
	}
	acc.Balance += amount
	l.record(userID, model.LedgerGrant, amount, "")
	return nil
}

func (l *fakeLedger) ListEvents(_ context.Context, userID string, limit int) ([]*model.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var events []*model.LedgerEvent
	for i := range l.events {
		if l.events[i].UserID == userID {
			copied := l.events[i]
			events = append(events, &copied)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (l *fakeLedger) GetAccount(_ context.Context, userID string) (*model.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	copied := *acc
	return &copied, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	seq     map[string]int64
	nextSeq int64
	seen    map[string]bool
	lookups int

	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs: make(map[string]*model.Job),
		seq:  make(map[string]int64),
		seen: make(map[string]bool),
	}
}

func (q *fakeQueue) job(id string) model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.jobs[id]
}

func (q *fakeQueue) countInStatus(modelID string, status model.JobStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.ModelID == modelID && j.Status == status {
			n++
		}
	}
	return n
}

func (q *fakeQueue) Enqueue(_ context.Context, job *model.Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return 0, q.enqueueErr
	}
	job.Status = model.StatusQueued
	job.QueuedAt = time.Now().UTC()
	q.nextSeq++
	q.seq[job.ID] = q.nextSeq
	copied := *job
	q.jobs[job.ID] = &copied

	position := 0
	for _, j := range q.jobs {
		if j.ModelID == job.ModelID && j.Status == model.StatusQueued && q.seq[j.ID] <= q.seq[job.ID] {
			position++
		}
	}
	return position, nil
}

func (q *fakeQueue) NextAdmissible(_ context.Context, modelID string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var queued []*model.Job
	for _, j := range q.jobs {
		if j.ModelID == modelID && j.Status == model.StatusQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, k int) bool {
		if queued[i].Priority != queued[k].Priority {
			return queued[i].Priority > queued[k].Priority
		}
		return q.seq[queued[i].ID] < q.seq[queued[k].ID]
	})
	copied := *queued[0]
	return &copied, nil
}

func (q *fakeQueue) ClaimForDispatch(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != model.StatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = model.StatusProcessing
	j.StartedAt = &now
	return true, nil
}

func (q *fakeQueue) RecordSubmission(_ context.Context, jobID, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	j.ProviderRequestID = token
	return nil
}

func (q *fakeQueue) Complete(_ context.Context, jobID, resultURL, resultID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != model.StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = model.StatusCompleted
	j.ResultURL = resultURL
	j.ResultID = resultID
	j.CompletedAt = &now
	return true, nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID, msg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != model.StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = model.StatusFailed
	j.ErrorMessage = msg
	j.CompletedAt = &now
	return true, nil
}

func (q *fakeQueue) CancelQueued(_ context.Context, jobID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != model.StatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = model.StatusFailed
	j.ErrorMessage = reason
	j.CompletedAt = &now
	return true, nil
}

func (q *fakeQueue) FindByID(_ context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *j
	return &copied, nil
}

func (q *fakeQueue) FindByProviderRequestID(_ context.Context, token string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lookups++
	for _, j := range q.jobs {
		if j.ProviderRequestID == token && token != "" {
			copied := *j
			return &copied, nil
		}
	}
	return nil, repository.ErrJobNotFound
}

func (q *fakeQueue) ListStale(_ context.Context, olderThan time.Duration) ([]*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []*model.Job
	for _, j := range q.jobs {
		if j.Status == model.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			copied := *j
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

func (q *fakeQueue) ListByModel(_ context.Context, modelID string, limit int) ([]*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var jobs []*model.Job
	for _, j := range q.jobs {
		if j.ModelID == modelID {
			copied := *j
			jobs = append(jobs, &copied)
		}
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *fakeQueue) QueuePosition(_ context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return 0, repository.ErrJobNotFound
	}
	position := 0
	for _, other := range q.jobs {
		if other.ModelID == j.ModelID && other.Status == model.StatusQueued && q.seq[other.ID] <= q.seq[jobID] {
			position++
		}
	}
	return position, nil
}

func (q *fakeQueue) MarkCallbackSeen(_ context.Context, token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[token] {
		return false
	}
	q.seen[token] = true
	return true
}

func (q *fakeQueue) CallbackSeen(_ context.Context, token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[token]
}

func (q *fakeQueue) ListQueuedModels(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	unique := make(map[string]bool)
	for _, j := range q.jobs {
		if j.Status == model.StatusQueued {
			unique[j.ModelID] = true
		}
	}
	var models []string
	for modelID := range unique {
		models = append(models, modelID)
	}
	return models, nil
}

func (q *fakeQueue) lookupCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lookups
}

// backdate shifts a processing job's started_at for sweeper tests.
func (q *fakeQueue) backdate(jobID string, age time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := time.Now().UTC().Add(-age)
	q.jobs[jobID].StartedAt = &old
}

type fakeLimiter struct {
	mu     sync.Mutex
	limits map[string]*model.ModelLimit

	maxObservedActive map[string]int
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{
		limits:            make(map[string]*model.ModelLimit),
		maxObservedActive: make(map[string]int),
	}
}

func (l *fakeLimiter) IsAdmissible(_ context.Context, modelID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[modelID]
	if !ok {
		return true, nil
	}
	return lim.CurrentActive < lim.MaxConcurrent, nil
}

func (l *fakeLimiter) Acquire(_ context.Context, modelID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[modelID]
	if !ok {
		lim = &model.ModelLimit{ModelID: modelID, MaxConcurrent: model.UnlimitedConcurrency}
		l.limits[modelID] = lim
	}
	if lim.CurrentActive >= lim.MaxConcurrent {
		return false, nil
	}
	lim.CurrentActive++
	if lim.CurrentActive > l.maxObservedActive[modelID] {
		l.maxObservedActive[modelID] = lim.CurrentActive
	}
	return true, nil
}

func (l *fakeLimiter) Release(_ context.Context, modelID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[modelID]
	if !ok || lim.CurrentActive == 0 {
		return false, nil
	}
	lim.CurrentActive--
	return true, nil
}

func (l *fakeLimiter) SetLimit(_ context.Context, modelID string, maxConcurrent int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxConcurrent == 0 {
		maxConcurrent = model.UnlimitedConcurrency
	}
	lim, ok := l.limits[modelID]
	if !ok {
		l.limits[modelID] = &model.ModelLimit{ModelID: modelID, MaxConcurrent: maxConcurrent}
		return nil
	}
	lim.MaxConcurrent = maxConcurrent
	return nil
}

func (l *fakeLimiter) Get(_ context.Context, modelID string) (*model.ModelLimit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[modelID]
	if !ok {
		return &model.ModelLimit{ModelID: modelID, MaxConcurrent: model.UnlimitedConcurrency}, nil
	}
	copied := *lim
	return &copied, nil
}

func (l *fakeLimiter) Snapshot(_ context.Context) ([]model.ModelLimit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var limits []model.ModelLimit
	for _, lim := range l.limits {
		limits = append(limits, *lim)
	}
	return limits, nil
}

func (l *fakeLimiter) active(modelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limits[modelID]; ok {
		return lim.CurrentActive
	}
	return 0
}

type fakeProvider struct {
	mu          sync.Mutex
	submitted   []string // job ids in dispatch order
	failSubmits bool
}

func (p *fakeProvider) Submit(_ context.Context, job *model.Job, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSubmits {
		return "", errors.New("provider unavailable")
	}
	p.submitted = append(p.submitted, job.ID)
	return "prov-" + job.ID, nil
}

func (p *fakeProvider) submissions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

type fakeArchiver struct {
	mu       sync.Mutex
	failAll  bool
	archived int
}

func (a *fakeArchiver) Archive(_ context.Context, remoteURL string) (*model.StoredArtifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAll {
		return nil, errors.New("download failed")
	}
	a.archived++
	return &model.StoredArtifact{
		ID:  fmt.Sprintf("art-%d", a.archived),
		URL: "https://media.internal/" + fmt.Sprintf("art-%d", a.archived),
	}, nil
}

// loopbackBus feeds dispatch triggers straight back into the engine, standing
// in for the NATS round trip, and records lifecycle topics.
type loopbackBus struct {
	mu     sync.Mutex
	eng    *Engine
	topics []string
}

func (b *loopbackBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	eng := b.eng
	b.mu.Unlock()

	if topic == model.TopicDispatch && eng != nil {
		var trigger model.DispatchTrigger
		if err := json.Unmarshal(data, &trigger); err != nil {
			return err
		}
		return eng.DispatchNext(context.Background(), trigger.ModelID)
	}
	return nil
}

func (b *loopbackBus) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}
