package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/pkg/errors"
)

type memoryData struct {
	mu            sync.RWMutex
	txMu          sync.Mutex // serializes transactions
	applications  map[string]models.Application
	timeline      []models.TimelineEvent
	notifications []models.Notification
	profile       *models.UserProfile
	runs          map[string]models.WorkflowRun
	signals       []models.WorkflowSignal
	logs          []models.ExecutionLog
	nextSignalID  int64
	nextLogID     int64
}

type memoryTx struct {
	undo []func()
	done bool
}

// memoryStore implements Store in memory. Transactions keep an undo log that
// Rollback replays in reverse.
type memoryStore struct {
	data *memoryData
	tx   *memoryTx
}

func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{
		applications: make(map[string]models.Application),
		runs:         make(map[string]models.WorkflowRun),
	}}
}

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if m.tx != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	m.data.txMu.Lock()
	return &memoryStore{data: m.data, tx: &memoryTx{}}, nil
}

func (m *memoryStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.tx.done {
		return errors.New("transaction already committed")
	}
	m.tx.done = true
	m.tx.undo = nil
	m.data.txMu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.tx.done {
		return errors.New("cannot rollback finished transaction")
	}
	m.data.mu.Lock()
	for i := len(m.tx.undo) - 1; i >= 0; i-- {
		m.tx.undo[i]()
	}
	m.data.mu.Unlock()
	m.tx.done = true
	m.tx.undo = nil
	m.data.txMu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// record registers an undo step. Must be called with data.mu held.
func (m *memoryStore) record(fn func()) {
	if m.tx != nil {
		m.tx.undo = append(m.tx.undo, fn)
	}
}

func (m *memoryStore) checkTx() error {
	if m.tx != nil && m.tx.done {
		return errors.New("transaction already committed")
	}
	return nil
}

func (m *memoryStore) putApplication(app models.Application) {
	prev, existed := m.data.applications[app.ID]
	m.data.applications[app.ID] = app
	m.record(func() {
		if existed {
			m.data.applications[app.ID] = prev
		} else {
			delete(m.data.applications, app.ID)
		}
	})
}

func (m *memoryStore) CreateApplication(ctx context.Context, app models.Application) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.applications[app.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "application %s", app.ID)
	}
	m.putApplication(app)
	return nil
}

func (m *memoryStore) GetApplication(ctx context.Context, id string) (models.Application, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	app, ok := m.data.applications[id]
	if !ok {
		return models.Application{}, errors.Wrapf(ErrNotFound, "application %s", id)
	}
	return app, nil
}

func (m *memoryStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]models.Application, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	apps := []models.Application{}
	for _, app := range m.data.applications {
		if filter.Status != nil && app.Status != *filter.Status {
			continue
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].CreatedAt.After(apps[j].CreatedAt) })
	return apps, nil
}

func (m *memoryStore) UpdateApplication(ctx context.Context, id string, update models.ApplicationUpdate, at time.Time) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	app, ok := m.data.applications[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "application %s", id)
	}
	applyUpdate(&app, update)
	app.UpdatedAt = at
	m.putApplication(app)
	return nil
}

func applyUpdate(app *models.Application, u models.ApplicationUpdate) {
	if u.Company != nil {
		app.Company = *u.Company
	}
	if u.Role != nil {
		app.Role = *u.Role
	}
	if u.JobDescription != nil {
		app.JobDescription = *u.JobDescription
	}
	if u.Notes != nil {
		app.Notes = u.Notes
	}
	if u.InterviewDate != nil {
		app.InterviewDate = u.InterviewDate
	}
	if u.Deadline != nil {
		app.Deadline = *u.Deadline
	}
	if u.ResumeText != nil {
		app.ResumeText = u.ResumeText
	}
	if u.CoverLetterURL != nil {
		app.CoverLetterURL = u.CoverLetterURL
	}
	if u.ResumeExtractionStatus != nil {
		app.ResumeExtractionStatus = *u.ResumeExtractionStatus
	}
	if u.CoverLetterGenerationStatus != nil {
		app.CoverLetterGenerationStatus = *u.CoverLetterGenerationStatus
	}
}

func (m *memoryStore) TransitionApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, note *string, at time.Time) (bool, error) {
	if err := m.checkTx(); err != nil {
		return false, err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	app, ok := m.data.applications[id]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "application %s", id)
	}
	if app.Status == status {
		return false, nil
	}
	app.Status = status
	app.UpdatedAt = at
	m.putApplication(app)
	m.appendTimeline(models.TimelineEvent{
		ID:            uuid.NewString(),
		ApplicationID: id,
		Status:        status,
		Note:          note,
		Timestamp:     at,
	})
	return true, nil
}

func (m *memoryStore) SetWorkflowID(ctx context.Context, id string, workflowID *string) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	app, ok := m.data.applications[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "application %s", id)
	}
	app.WorkflowID = workflowID
	m.putApplication(app)
	return nil
}

func (m *memoryStore) DeleteApplication(ctx context.Context, id string) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	app, ok := m.data.applications[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "application %s", id)
	}
	prevTimeline, prevNotifications := m.data.timeline, m.data.notifications
	delete(m.data.applications, id)
	m.data.timeline = filterSlice(m.data.timeline, func(e models.TimelineEvent) bool { return e.ApplicationID != id })
	m.data.notifications = filterSlice(m.data.notifications, func(n models.Notification) bool { return n.ApplicationID != id })
	m.record(func() {
		m.data.applications[id] = app
		m.data.timeline = prevTimeline
		m.data.notifications = prevNotifications
	})
	return nil
}

func filterSlice[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (m *memoryStore) appendTimeline(event models.TimelineEvent) {
	m.data.timeline = append(m.data.timeline, event)
	m.record(func() {
		m.data.timeline = filterSlice(m.data.timeline, func(e models.TimelineEvent) bool { return e.ID != event.ID })
	})
}

func (m *memoryStore) AppendTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.applications[event.ApplicationID]; !ok {
		return errors.Wrapf(ErrNotFound, "application %s", event.ApplicationID)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	m.appendTimeline(event)
	return nil
}

func (m *memoryStore) ListTimelineEvents(ctx context.Context, applicationID string) ([]models.TimelineEvent, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	events := filterSlice(m.data.timeline, func(e models.TimelineEvent) bool { return e.ApplicationID == applicationID })
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

func (m *memoryStore) CreateNotification(ctx context.Context, n models.Notification) (bool, error) {
	if err := m.checkTx(); err != nil {
		return false, err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.applications[n.ApplicationID]; !ok {
		return false, errors.Wrapf(ErrNotFound, "application %s", n.ApplicationID)
	}
	if n.DedupeKey != nil {
		for _, existing := range m.data.notifications {
			if existing.DedupeKey != nil && *existing.DedupeKey == *n.DedupeKey {
				return false, nil
			}
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	m.data.notifications = append(m.data.notifications, n)
	m.record(func() {
		m.data.notifications = filterSlice(m.data.notifications, func(e models.Notification) bool { return e.ID != n.ID })
	})
	return true, nil
}

// ListNotifications lists notifications of one application, or all of them
// when applicationID is empty. Newest first.
func (m *memoryStore) ListNotifications(ctx context.Context, applicationID string) ([]models.Notification, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	ns := filterSlice(m.data.notifications, func(n models.Notification) bool {
		return applicationID == "" || n.ApplicationID == applicationID
	})
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].Timestamp.After(ns[j].Timestamp) })
	return ns, nil
}

func (m *memoryStore) MarkNotificationRead(ctx context.Context, id string) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, n := range m.data.notifications {
		if n.ID == id {
			m.data.notifications[i].Read = true
			m.record(func() {
				for j := range m.data.notifications {
					if m.data.notifications[j].ID == id {
						m.data.notifications[j].Read = n.Read
					}
				}
			})
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "notification %s", id)
}

func (m *memoryStore) GetUserProfile(ctx context.Context) (models.UserProfile, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	if m.data.profile == nil {
		return models.UserProfile{}, nil
	}
	return *m.data.profile, nil
}

func (m *memoryStore) SaveUserProfile(ctx context.Context, profile models.UserProfile) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	prev := m.data.profile
	m.data.profile = &profile
	m.record(func() { m.data.profile = prev })
	return nil
}

func (m *memoryStore) putRun(run models.WorkflowRun) {
	prev, existed := m.data.runs[run.ID]
	m.data.runs[run.ID] = run
	m.record(func() {
		if existed {
			m.data.runs[run.ID] = prev
		} else {
			delete(m.data.runs, run.ID)
		}
	})
}

func (m *memoryStore) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.runs[run.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "workflow run %s", run.ID)
	}
	m.putRun(run)
	return nil
}

func (m *memoryStore) GetWorkflowRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	run, ok := m.data.runs[id]
	if !ok {
		return models.WorkflowRun{}, errors.Wrapf(ErrNotFound, "workflow run %s", id)
	}
	return run, nil
}

func (m *memoryStore) ListWorkflowRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRun, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	runs := []models.WorkflowRun{}
	for _, run := range m.data.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func (m *memoryStore) SaveWorkflowState(ctx context.Context, id string, state []byte, at time.Time) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	run, ok := m.data.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow run %s", id)
	}
	run.State = append([]byte(nil), state...)
	run.UpdatedAt = at
	m.putRun(run)
	return nil
}

func (m *memoryStore) CompleteWorkflowRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	run, ok := m.data.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow run %s", id)
	}
	run.Status = status
	run.ErrorMsg = errMsg
	run.UpdatedAt = at
	run.CompletedAt = &at
	m.putRun(run)
	return nil
}

func (m *memoryStore) AppendSignal(ctx context.Context, signal models.WorkflowSignal) (int64, error) {
	if err := m.checkTx(); err != nil {
		return 0, err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.runs[signal.WorkflowID]; !ok {
		return 0, errors.Wrapf(ErrNotFound, "workflow run %s", signal.WorkflowID)
	}
	m.data.nextSignalID++
	signal.ID = m.data.nextSignalID
	m.data.signals = append(m.data.signals, signal)
	m.record(func() {
		m.data.signals = filterSlice(m.data.signals, func(s models.WorkflowSignal) bool { return s.ID != signal.ID })
	})
	return signal.ID, nil
}

func (m *memoryStore) ListPendingSignals(ctx context.Context, workflowID string) ([]models.WorkflowSignal, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return filterSlice(m.data.signals, func(s models.WorkflowSignal) bool {
		return s.WorkflowID == workflowID && s.ProcessedAt == nil
	}), nil
}

func (m *memoryStore) MarkSignalsProcessed(ctx context.Context, ids []int64, at time.Time) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	marked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	var touched []int64
	for i, s := range m.data.signals {
		if marked[s.ID] && s.ProcessedAt == nil {
			processedAt := at
			m.data.signals[i].ProcessedAt = &processedAt
			touched = append(touched, s.ID)
		}
	}
	m.record(func() {
		for i, s := range m.data.signals {
			for _, id := range touched {
				if s.ID == id {
					m.data.signals[i].ProcessedAt = nil
				}
			}
		}
	})
	return nil
}

func (m *memoryStore) SaveExecutionLog(ctx context.Context, log models.ExecutionLog) error {
	if err := m.checkTx(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.nextLogID++
	log.ID = m.data.nextLogID
	m.data.logs = append(m.data.logs, log)
	m.record(func() {
		m.data.logs = filterSlice(m.data.logs, func(l models.ExecutionLog) bool { return l.ID != log.ID })
	})
	return nil
}

func (m *memoryStore) ListExecutionLogs(ctx context.Context, workflowID string) ([]models.ExecutionLog, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return filterSlice(m.data.logs, func(l models.ExecutionLog) bool { return l.WorkflowID == workflowID }), nil
}
