package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/HeteroCat/microtouch/config"
	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/push"
)

// Store wraps the Postgres connection. All methods take a context and
// return wrapped errors.
type Store struct {
	DB *sql.DB
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Monitor job statuses.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Push log statuses.
const (
	PushStatusSent   = "sent"
	PushStatusFailed = "failed"
)

func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User is an account row. PasswordHash is bcrypt.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash, created_at)
VALUES ($1,$2,$3,NOW())
`, id, email, passwordHash)
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, created_at FROM users WHERE email=$1
`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// SourceConfig is one monitored content source with its schedule and
// push targets.
type SourceConfig struct {
	ID            string
	UserID        string
	Type          string
	Name          string
	Config        map[string]interface{}
	Schedule      string
	Enabled       bool
	PushTargets   []push.Target
	LastCheckAt   *time.Time
	LastContentID string
	ErrorCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Store) CreateSourceConfig(ctx context.Context, sc SourceConfig) (string, error) {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return "", fmt.Errorf("encoding source config: %w", err)
	}
	targets, err := json.Marshal(sc.PushTargets)
	if err != nil {
		return "", fmt.Errorf("encoding push targets: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO source_configs (id, user_id, type, name, config, schedule, enabled, push_targets, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
`, sc.ID, sc.UserID, sc.Type, sc.Name, cfg, sc.Schedule, sc.Enabled, targets)
	if err != nil {
		return "", fmt.Errorf("creating source config: %w", err)
	}
	return sc.ID, nil
}

func (s *Store) UpdateSourceConfig(ctx context.Context, sc SourceConfig) error {
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return fmt.Errorf("encoding source config: %w", err)
	}
	targets, err := json.Marshal(sc.PushTargets)
	if err != nil {
		return fmt.Errorf("encoding push targets: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE source_configs
SET type=$3, name=$4, config=$5, schedule=$6, enabled=$7, push_targets=$8, updated_at=NOW()
WHERE id=$1 AND user_id=$2
`, sc.ID, sc.UserID, sc.Type, sc.Name, cfg, sc.Schedule, sc.Enabled, targets)
	if err != nil {
		return fmt.Errorf("updating source config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteSourceConfig(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM source_configs WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting source config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetSourceConfig(ctx context.Context, id string) (SourceConfig, error) {
	row := s.DB.QueryRowContext(ctx, sourceConfigSelect+` WHERE id=$1`, id)
	return scanSourceConfig(row)
}

func (s *Store) ListSourceConfigs(ctx context.Context, userID string) ([]SourceConfig, error) {
	rows, err := s.DB.QueryContext(ctx, sourceConfigSelect+` WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing source configs: %w", err)
	}
	defer rows.Close()
	return collectSourceConfigs(rows)
}

// ListEnabledSourceConfigs returns every enabled config across users,
// for the scheduler sweep.
func (s *Store) ListEnabledSourceConfigs(ctx context.Context) ([]SourceConfig, error) {
	rows, err := s.DB.QueryContext(ctx, sourceConfigSelect+` WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled source configs: %w", err)
	}
	defer rows.Close()
	return collectSourceConfigs(rows)
}

// EnabledSources implements the planner's source lookup.
func (s *Store) EnabledSources(ctx context.Context, userID string) ([]core.SourceRef, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, type, name FROM source_configs WHERE user_id=$1 AND enabled ORDER BY created_at
`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing enabled sources: %w", err)
	}
	defer rows.Close()
	var refs []core.SourceRef
	for rows.Next() {
		var r core.SourceRef
		if err := rows.Scan(&r.ID, &r.Type, &r.Name); err != nil {
			return nil, fmt.Errorf("scanning source ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// MarkSourceChecked records a successful sweep and resets the error
// counter.
func (s *Store) MarkSourceChecked(ctx context.Context, id, lastContentID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE source_configs
SET last_check_at=NOW(), last_content_id=$2, error_count=0, updated_at=NOW()
WHERE id=$1
`, id, lastContentID)
	if err != nil {
		return fmt.Errorf("marking source checked: %w", err)
	}
	return nil
}

func (s *Store) IncrementSourceError(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE source_configs SET error_count=error_count+1, updated_at=NOW() WHERE id=$1
`, id)
	if err != nil {
		return fmt.Errorf("incrementing source error: %w", err)
	}
	return nil
}

const sourceConfigSelect = `
SELECT id, user_id, type, name, config, schedule, enabled, push_targets,
       last_check_at, last_content_id, error_count, created_at, updated_at
FROM source_configs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSourceConfig(row rowScanner) (SourceConfig, error) {
	var sc SourceConfig
	var cfg, targets []byte
	var lastContentID sql.NullString
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Type, &sc.Name, &cfg, &sc.Schedule, &sc.Enabled, &targets,
		&sc.LastCheckAt, &lastContentID, &sc.ErrorCount, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return SourceConfig{}, fmt.Errorf("scanning source config: %w", err)
	}
	sc.LastContentID = lastContentID.String
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sc.Config); err != nil {
			return SourceConfig{}, fmt.Errorf("decoding source config: %w", err)
		}
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &sc.PushTargets); err != nil {
			return SourceConfig{}, fmt.Errorf("decoding push targets: %w", err)
		}
	}
	return sc, nil
}

func collectSourceConfigs(rows *sql.Rows) ([]SourceConfig, error) {
	var out []SourceConfig
	for rows.Next() {
		sc, err := scanSourceConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// MonitorJob records one scheduled sweep of a source config.
type MonitorJob struct {
	ID             string
	SourceConfigID string
	Status         string
	ItemsFound     int
	NewItems       int
	RetryCount     int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

func (s *Store) StartMonitorJob(ctx context.Context, sourceConfigID string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO monitor_jobs (id, source_config_id, status, started_at)
VALUES ($1,$2,$3,NOW())
`, id, sourceConfigID, JobStatusRunning)
	if err != nil {
		return "", fmt.Errorf("starting monitor job: %w", err)
	}
	return id, nil
}

func (s *Store) CompleteMonitorJob(ctx context.Context, id string, itemsFound, newItems int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE monitor_jobs SET status=$2, items_found=$3, new_items=$4, completed_at=NOW() WHERE id=$1
`, id, JobStatusCompleted, itemsFound, newItems)
	if err != nil {
		return fmt.Errorf("completing monitor job: %w", err)
	}
	return nil
}

func (s *Store) FailMonitorJob(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE monitor_jobs SET status=$2, error=$3, retry_count=retry_count+1, completed_at=NOW() WHERE id=$1
`, id, JobStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failing monitor job: %w", err)
	}
	return nil
}

// PushLog audits one delivery attempt.
type PushLog struct {
	ID           string
	UserID       string
	MonitorJobID string
	PushType     string
	Status       string
	Title        string
	Summary      string
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

func (s *Store) SavePushLog(ctx context.Context, pl PushLog) error {
	if pl.ID == "" {
		pl.ID = uuid.New().String()
	}
	meta, err := json.Marshal(pl.Metadata)
	if err != nil {
		return fmt.Errorf("encoding push log metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO push_logs (id, user_id, monitor_job_id, push_type, status, title, content_summary, metadata, created_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,NOW())
`, pl.ID, pl.UserID, pl.MonitorJobID, pl.PushType, pl.Status, pl.Title, pl.Summary, meta)
	if err != nil {
		return fmt.Errorf("saving push log: %w", err)
	}
	return nil
}

// Notification is an in-app delivery row.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Content   string
	Metadata  map[string]interface{}
	Read      bool
	CreatedAt time.Time
}

// SaveNotification implements push.NotificationStore.
func (s *Store) SaveNotification(ctx context.Context, userID, title, content string, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding notification metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO notifications (id, user_id, title, content, metadata, read, created_at)
VALUES ($1,$2,$3,$4,$5,false,NOW())
`, uuid.New().String(), userID, title, content, meta)
	if err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, content, metadata, read, created_at
FROM notifications WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Content, &meta, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, fmt.Errorf("decoding notification metadata: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE notifications SET read=true WHERE id=$1 AND user_id=$2
`, id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return requireRow(res)
}

// AgentRun persists a finished orchestrator run with its trace.
type AgentRun struct {
	ID         string
	UserID     string
	Query      string
	ReportType string
	Success    bool
	Forced     bool
	Iterations int
	Error      string
	Result     []byte
	Steps      []byte
	DurationMS int64
	CreatedAt  time.Time
}

func (s *Store) SaveAgentRun(ctx context.Context, run AgentRun) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_runs (id, user_id, query, report_type, success, forced, iterations, error, result, steps, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
`, run.ID, run.UserID, run.Query, run.ReportType, run.Success, run.Forced, run.Iterations, run.Error, run.Result, run.Steps, run.DurationMS)
	if err != nil {
		return fmt.Errorf("saving agent run: %w", err)
	}
	return nil
}

func (s *Store) GetAgentRun(ctx context.Context, id, userID string) (AgentRun, error) {
	var run AgentRun
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, query, report_type, success, forced, iterations, error, result, steps, duration_ms, created_at
FROM agent_runs WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&run.ID, &run.UserID, &run.Query, &run.ReportType, &run.Success, &run.Forced,
		&run.Iterations, &run.Error, &run.Result, &run.Steps, &run.DurationMS, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRun{}, ErrNotFound
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("getting agent run: %w", err)
	}
	return run, nil
}

func (s *Store) ListAgentRuns(ctx context.Context, userID string, limit int) ([]AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, report_type, success, forced, iterations, error, duration_ms, created_at
FROM agent_runs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing agent runs: %w", err)
	}
	defer rows.Close()
	var out []AgentRun
	for rows.Next() {
		var run AgentRun
		if err := rows.Scan(&run.ID, &run.UserID, &run.Query, &run.ReportType, &run.Success,
			&run.Forced, &run.Iterations, &run.Error, &run.DurationMS, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
