package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const applicationColumns = `id, company, role, job_description, resume_url, resume_text, cover_letter_url,
	status, deadline, original_deadline, notes, interview_date, resume_extraction_status,
	cover_letter_generation_status, workflow_id, created_at, updated_at`

func (s *PostgresStore) CreateApplication(ctx context.Context, app models.Application) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		app.ID, app.Company, app.Role, app.JobDescription, app.ResumeURL, app.ResumeText, app.CoverLetterURL,
		app.Status, app.Deadline, app.OriginalDeadline, app.Notes, app.InterviewDate, app.ResumeExtractionStatus,
		app.CoverLetterGenerationStatus, app.WorkflowID, app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrAlreadyExists, "application %s", app.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "create application %s", app.ID)
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (models.Application, error) {
	var app models.Application
	err := s.db.GetContext(ctx, &app, "SELECT "+applicationColumns+" FROM applications WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Application{}, errors.Wrapf(storage.ErrNotFound, "application %s", id)
	}
	if err != nil {
		return models.Application{}, errors.Wrapf(err, "get application %s", id)
	}
	return app, nil
}

func (s *PostgresStore) ListApplications(ctx context.Context, filter storage.ApplicationFilter) ([]models.Application, error) {
	apps := []models.Application{}
	query := "SELECT " + applicationColumns + " FROM applications"
	var args []interface{}
	if filter.Status != nil {
		query += " WHERE status = $1"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if err := s.db.SelectContext(ctx, &apps, query, args...); err != nil {
		return nil, errors.Wrap(err, "list applications")
	}
	return apps, nil
}

// UpdateApplication patches only the fields set in update.
func (s *PostgresStore) UpdateApplication(ctx context.Context, id string, u models.ApplicationUpdate, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET
		company = COALESCE($1, company),
		role = COALESCE($2, role),
		job_description = COALESCE($3, job_description),
		notes = COALESCE($4, notes),
		interview_date = COALESCE($5, interview_date),
		deadline = COALESCE($6, deadline),
		resume_text = COALESCE($7, resume_text),
		cover_letter_url = COALESCE($8, cover_letter_url),
		resume_extraction_status = COALESCE($9, resume_extraction_status),
		cover_letter_generation_status = COALESCE($10, cover_letter_generation_status),
		updated_at = $11
		WHERE id = $12`,
		u.Company, u.Role, u.JobDescription, u.Notes, u.InterviewDate, u.Deadline, u.ResumeText,
		u.CoverLetterURL, u.ResumeExtractionStatus, u.CoverLetterGenerationStatus, at, id)
	if err != nil {
		return errors.Wrapf(err, "update application %s", id)
	}
	return expectRow(res, "application", id)
}

// TransitionApplicationStatus is a compare-and-set on status. The update and
// the timeline insert run in one statement so they cannot diverge.
func (s *PostgresStore) TransitionApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, note *string, at time.Time) (bool, error) {
	var changed bool
	err := s.db.QueryRowxContext(ctx, `
		WITH updated AS (
			UPDATE applications SET status = $2, updated_at = $4
			WHERE id = $1 AND status <> $2
			RETURNING id
		), inserted AS (
			INSERT INTO timeline_events (id, application_id, status, note, timestamp)
			SELECT $5::text, id, $2::text, $3::text, $4::timestamptz FROM updated
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM inserted)`,
		id, status, note, at, newID()).Scan(&changed)
	if err != nil {
		return false, errors.Wrapf(err, "transition application %s to %s", id, status)
	}
	if !changed {
		if _, err := s.GetApplication(ctx, id); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (s *PostgresStore) SetWorkflowID(ctx context.Context, id string, workflowID *string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE applications SET workflow_id = $1 WHERE id = $2", workflowID, id)
	if err != nil {
		return errors.Wrapf(err, "set workflow id of application %s", id)
	}
	return expectRow(res, "application", id)
}

// DeleteApplication removes the row; timeline events and notifications
// cascade.
func (s *PostgresStore) DeleteApplication(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM applications WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "delete application %s", id)
	}
	return expectRow(res, "application", id)
}

func (s *PostgresStore) AppendTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	if event.ID == "" {
		event.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_events (id, application_id, status, note, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.ApplicationID, event.Status, event.Note, event.Timestamp)
	if isForeignKeyViolation(err) {
		return errors.Wrapf(storage.ErrNotFound, "application %s", event.ApplicationID)
	}
	return errors.Wrap(err, "append timeline event")
}

func (s *PostgresStore) ListTimelineEvents(ctx context.Context, applicationID string) ([]models.TimelineEvent, error) {
	events := []models.TimelineEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, application_id, status, note, timestamp FROM timeline_events
		WHERE application_id = $1 ORDER BY timestamp, id`, applicationID)
	if err != nil {
		return nil, errors.Wrapf(err, "list timeline of application %s", applicationID)
	}
	return events, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n models.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = newID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, application_id, type, title, message, status, read, dedupe_key, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.ApplicationID, n.Type, n.Title, n.Message, n.Status, n.Read, n.DedupeKey, n.Timestamp)
	if isForeignKeyViolation(err) {
		return false, errors.Wrapf(storage.ErrNotFound, "application %s", n.ApplicationID)
	}
	if err != nil {
		return false, errors.Wrap(err, "create notification")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, applicationID string) ([]models.Notification, error) {
	ns := []models.Notification{}
	query := "SELECT id, application_id, type, title, message, status, read, dedupe_key, timestamp FROM notifications"
	var args []interface{}
	if applicationID != "" {
		query += " WHERE application_id = $1"
		args = append(args, applicationID)
	}
	query += " ORDER BY timestamp DESC"
	if err := s.db.SelectContext(ctx, &ns, query, args...); err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	return ns, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = TRUE WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "mark notification %s read", id)
	}
	return expectRow(res, "notification", id)
}

func (s *PostgresStore) GetUserProfile(ctx context.Context) (models.UserProfile, error) {
	var profile models.UserProfile
	err := s.db.GetContext(ctx, &profile, "SELECT name, email, phone, updated_at FROM user_profile WHERE id = 1")
	if err == sql.ErrNoRows {
		return models.UserProfile{}, nil
	}
	if err != nil {
		return models.UserProfile{}, errors.Wrap(err, "get user profile")
	}
	return profile, nil
}

func (s *PostgresStore) SaveUserProfile(ctx context.Context, p models.UserProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profile (id, name, email, phone, updated_at) VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
		phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at`,
		p.Name, p.Email, p.Phone, p.UpdatedAt)
	return errors.Wrap(err, "save user profile")
}

const runColumns = "id, name, status, input, state, error_msg, created_at, updated_at, completed_at"

// runRow scans JSONB columns as raw bytes, NULL included.
type runRow struct {
	ID          string           `db:"id"`
	Name        string           `db:"name"`
	Status      models.RunStatus `db:"status"`
	Input       []byte           `db:"input"`
	State       []byte           `db:"state"`
	ErrorMsg    string           `db:"error_msg"`
	CreatedAt   time.Time        `db:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at"`
	CompletedAt *time.Time       `db:"completed_at"`
}

func (r runRow) toModel() models.WorkflowRun {
	return models.WorkflowRun{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		Input:       r.Input,
		State:       r.State,
		ErrorMsg:    r.ErrorMsg,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

type signalRow struct {
	ID          int64      `db:"id"`
	WorkflowID  string     `db:"workflow_id"`
	Name        string     `db:"name"`
	Payload     []byte     `db:"payload"`
	ReceivedAt  time.Time  `db:"received_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, name, status, input, state, error_msg, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Name, run.Status, jsonArg(run.Input), jsonArg(run.State), run.ErrorMsg, run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrAlreadyExists, "workflow run %s", run.ID)
	}
	return errors.Wrapf(err, "create workflow run %s", run.ID)
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT "+runColumns+" FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, errors.Wrapf(storage.ErrNotFound, "workflow run %s", id)
	}
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "get workflow run %s", id)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) ListWorkflowRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRun, error) {
	rows := []runRow{}
	query := "SELECT " + runColumns + " FROM workflow_runs"
	var args []interface{}
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, *status)
	}
	query += " ORDER BY created_at"
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list workflow runs")
	}
	runs := make([]models.WorkflowRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

func (s *PostgresStore) SaveWorkflowState(ctx context.Context, id string, state []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflow_runs SET state = $1, updated_at = $2 WHERE id = $3",
		jsonArg(state), at, id)
	if err != nil {
		return errors.Wrapf(err, "save state of workflow run %s", id)
	}
	return expectRow(res, "workflow run", id)
}

func (s *PostgresStore) CompleteWorkflowRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1, error_msg = $2, updated_at = $3, completed_at = $3 WHERE id = $4`,
		status, errMsg, at, id)
	if err != nil {
		return errors.Wrapf(err, "complete workflow run %s", id)
	}
	return expectRow(res, "workflow run", id)
}

func (s *PostgresStore) AppendSignal(ctx context.Context, sig models.WorkflowSignal) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO workflow_signals (workflow_id, name, payload, received_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sig.WorkflowID, sig.Name, jsonArg(sig.Payload), sig.ReceivedAt).Scan(&id)
	if isForeignKeyViolation(err) {
		return 0, errors.Wrapf(storage.ErrNotFound, "workflow run %s", sig.WorkflowID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "append signal %s to workflow run %s", sig.Name, sig.WorkflowID)
	}
	return id, nil
}

func (s *PostgresStore) ListPendingSignals(ctx context.Context, workflowID string) ([]models.WorkflowSignal, error) {
	rows := []signalRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, name, payload, received_at, processed_at
		FROM workflow_signals WHERE workflow_id = $1 AND processed_at IS NULL ORDER BY id`, workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list pending signals of workflow run %s", workflowID)
	}
	signals := make([]models.WorkflowSignal, 0, len(rows))
	for _, r := range rows {
		signals = append(signals, models.WorkflowSignal{
			ID:          r.ID,
			WorkflowID:  r.WorkflowID,
			Name:        r.Name,
			Payload:     r.Payload,
			ReceivedAt:  r.ReceivedAt,
			ProcessedAt: r.ProcessedAt,
		})
	}
	return signals, nil
}

func (s *PostgresStore) MarkSignalsProcessed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_signals SET processed_at = $1 WHERE id = ANY($2) AND processed_at IS NULL`,
		at, pq.Array(ids))
	return errors.Wrap(err, "mark signals processed")
}

func (s *PostgresStore) SaveExecutionLog(ctx context.Context, log models.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (workflow_id, activity, attempt, status, message, duration, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.WorkflowID, log.Activity, log.Attempt, log.Status, log.Message, int64(log.Duration), log.LoggedAt)
	return errors.Wrap(err, "save execution log")
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, workflowID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, workflow_id, activity, attempt, status, message, duration, logged_at
		FROM execution_logs WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list execution logs of workflow run %s", workflowID)
	}
	return logs, nil
}
