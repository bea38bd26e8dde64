package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shopwatch/internal/domain"
	logx "shopwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) a SQLite database file.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	// Transactions begin IMMEDIATE: a read-then-write transaction holds the
	// write lock from the start, so a commit on another connection makes it
	// wait on busy_timeout instead of failing with SQLITE_BUSY_SNAPSHOT.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conns := cfg.MaxConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("max_conns", conns))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- time and value encoding ----

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMS(*t)
}

func ptrMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func ptrID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type scanner interface{ Scan(dest ...any) error }

// ---- environments ----

const envColumns = `id, name, base_url, login, password, is_active, created_at`

func scanEnvironment(r scanner) (domain.Environment, error) {
	var (
		e       domain.Environment
		created int64
	)
	err := r.Scan(&e.ID, &e.Name, &e.BaseURL, &e.Login, &e.Password, &e.Active, &created)
	e.CreatedAt = fromMS(created)
	return e, err
}

func (s *sqliteStore) SaveEnvironment(ctx context.Context, e *domain.Environment) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO environments(name, base_url, login, password, is_active, created_at) VALUES(?,?,?,?,?,?)`,
			e.Name, e.BaseURL, e.Login, e.Password, e.Active, toMS(e.CreatedAt))
		if err != nil {
			return err
		}
		e.ID, err = res.LastInsertId()
		return err
	}
	return s.update(ctx,
		`UPDATE environments SET name=?, base_url=?, login=?, password=?, is_active=? WHERE id=?`,
		e.Name, e.BaseURL, e.Login, e.Password, e.Active, e.ID)
}

func (s *sqliteStore) Environment(ctx context.Context, id int64) (domain.Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE id=?`, id))
	return e, notFound(err)
}

func (s *sqliteStore) EnvironmentByName(ctx context.Context, name string) (domain.Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE name=?`, name))
	return e, notFound(err)
}

func (s *sqliteStore) Environments(ctx context.Context) ([]domain.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+envColumns+` FROM environments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// update runs an UPDATE and maps zero affected rows to ErrNotFound.
func (s *sqliteStore) update(ctx context.Context, q string, args ...any) error {
	return execUpdate(ctx, s.db, q, args...)
}

func execUpdate(ctx context.Context, db querier, q string, args ...any) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- suites and scenarios ----

const suiteColumns = `id, name, description, workers, is_active, created_at`

func scanSuite(r scanner) (domain.Suite, error) {
	var (
		su      domain.Suite
		created int64
	)
	err := r.Scan(&su.ID, &su.Name, &su.Description, &su.Workers, &su.Active, &created)
	su.CreatedAt = fromMS(created)
	return su, err
}

func (s *sqliteStore) SaveSuite(ctx context.Context, su *domain.Suite) error {
	if su.CreatedAt.IsZero() {
		su.CreatedAt = time.Now().UTC()
	}
	if su.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO suites(name, description, workers, is_active, created_at) VALUES(?,?,?,?,?)`,
			su.Name, su.Description, su.Workers, su.Active, toMS(su.CreatedAt))
		if err != nil {
			return err
		}
		su.ID, err = res.LastInsertId()
		return err
	}
	return s.update(ctx, `UPDATE suites SET name=?, description=?, workers=?, is_active=? WHERE id=?`,
		su.Name, su.Description, su.Workers, su.Active, su.ID)
}

func (s *sqliteStore) Suite(ctx context.Context, id int64) (domain.Suite, error) {
	su, err := scanSuite(s.db.QueryRowContext(ctx, `SELECT `+suiteColumns+` FROM suites WHERE id=?`, id))
	return su, notFound(err)
}

func (s *sqliteStore) SuiteByName(ctx context.Context, name string) (domain.Suite, error) {
	su, err := scanSuite(s.db.QueryRowContext(ctx, `SELECT `+suiteColumns+` FROM suites WHERE name=?`, name))
	return su, notFound(err)
}

func (s *sqliteStore) Suites(ctx context.Context) ([]domain.Suite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+suiteColumns+` FROM suites ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Suite
	for rows.Next() {
		su, err := scanSuite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

const scenarioColumns = `id, name, description, listing_urls, delivery, payment, flags, is_active`

func scanScenario(r scanner) (domain.Scenario, error) {
	var (
		sc          domain.Scenario
		urls, flags string
	)
	if err := r.Scan(&sc.ID, &sc.Name, &sc.Description, &urls, &sc.Delivery, &sc.Payment, &flags, &sc.Active); err != nil {
		return sc, err
	}
	if err := json.Unmarshal([]byte(urls), &sc.ListingURLs); err != nil {
		return sc, fmt.Errorf("scenario %d listing_urls: %w", sc.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &sc.Flags); err != nil {
		return sc, fmt.Errorf("scenario %d flags: %w", sc.ID, err)
	}
	return sc, nil
}

func (s *sqliteStore) SaveScenario(ctx context.Context, sc *domain.Scenario) error {
	urls, err := json.Marshal(sc.ListingURLs)
	if err != nil {
		return err
	}
	if sc.ListingURLs == nil {
		urls = []byte("[]")
	}
	flags, err := json.Marshal(sc.Flags)
	if err != nil {
		return err
	}
	if sc.Flags == nil {
		flags = []byte("{}")
	}
	if sc.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO scenarios(name, description, listing_urls, delivery, payment, flags, is_active) VALUES(?,?,?,?,?,?,?)`,
			sc.Name, sc.Description, string(urls), sc.Delivery, sc.Payment, string(flags), sc.Active)
		if err != nil {
			return err
		}
		sc.ID, err = res.LastInsertId()
		return err
	}
	return s.update(ctx,
		`UPDATE scenarios SET name=?, description=?, listing_urls=?, delivery=?, payment=?, flags=?, is_active=? WHERE id=?`,
		sc.Name, sc.Description, string(urls), sc.Delivery, sc.Payment, string(flags), sc.Active, sc.ID)
}

func (s *sqliteStore) ScenarioByName(ctx context.Context, name string) (domain.Scenario, error) {
	sc, err := scanScenario(s.db.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE name=?`, name))
	return sc, notFound(err)
}

func (s *sqliteStore) SetSuiteScenarios(ctx context.Context, suiteID int64, scenarioIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM suite_scenarios WHERE suite_id=?`, suiteID); err != nil {
		return err
	}
	for i, id := range scenarioIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO suite_scenarios(suite_id, scenario_id, position) VALUES(?,?,?)`,
			suiteID, id, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SuiteScenarios(ctx context.Context, suiteID int64) ([]domain.Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.description, s.listing_urls, s.delivery, s.payment, s.flags, s.is_active
		 FROM suite_scenarios ss JOIN scenarios s ON s.id = ss.scenario_id
		 WHERE ss.suite_id=? ORDER BY ss.position`, suiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ---- scheduled jobs ----

const jobColumns = `id, suite_id, environment_id, workers, cron, is_enabled, next_run_at, last_run_at, last_suite_run_id, created_at, updated_at`

func scanJob(r scanner) (domain.ScheduledJob, error) {
	var (
		j                domain.ScheduledJob
		next, last, lsr  sql.NullInt64
		created, updated int64
	)
	err := r.Scan(&j.ID, &j.SuiteID, &j.EnvironmentID, &j.Workers, &j.Cron, &j.Enabled,
		&next, &last, &lsr, &created, &updated)
	j.NextRunAt = ptrMS(next)
	j.LastRunAt = ptrMS(last)
	j.LastSuiteRunID = ptrID(lsr)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	return j, err
}

func (s *sqliteStore) CreateJob(ctx context.Context, j *domain.ScheduledJob) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(suite_id, environment_id, workers, cron, is_enabled, next_run_at, last_run_at, last_suite_run_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.SuiteID, j.EnvironmentID, j.Workers, j.Cron, j.Enabled,
		nullMS(j.NextRunAt), nullMS(j.LastRunAt), nullID(j.LastSuiteRunID), toMS(j.CreatedAt), toMS(j.UpdatedAt))
	if err != nil {
		return err
	}
	j.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j domain.ScheduledJob) error {
	return s.update(ctx,
		`UPDATE scheduled_jobs SET workers=?, cron=?, is_enabled=?, next_run_at=?, last_run_at=?, last_suite_run_id=?, updated_at=? WHERE id=?`,
		j.Workers, j.Cron, j.Enabled, nullMS(j.NextRunAt), nullMS(j.LastRunAt), nullID(j.LastSuiteRunID),
		toMS(time.Now()), j.ID)
}

func (s *sqliteStore) Job(ctx context.Context, id int64) (domain.ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=?`, id))
	return j, notFound(err)
}

func (s *sqliteStore) Jobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY id`)
}

func (s *sqliteStore) DueJobs(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs
		 WHERE is_enabled=1 AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at, id`,
		toMS(now))
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- suite runs ----

const suiteRunColumns = `id, suite_id, environment_id, status, triggered_by, workers, total_scenarios, success_count, failed_count, total_alerts, started_at, finished_at, duration_seconds`

func scanSuiteRun(r scanner) (domain.SuiteRun, error) {
	var (
		sr       domain.SuiteRun
		started  int64
		finished sql.NullInt64
		dur      sql.NullFloat64
	)
	err := r.Scan(&sr.ID, &sr.SuiteID, &sr.EnvironmentID, &sr.Status, &sr.TriggeredBy, &sr.Workers,
		&sr.TotalScenarios, &sr.SuccessCount, &sr.FailedCount, &sr.TotalAlerts, &started, &finished, &dur)
	sr.StartedAt = fromMS(started)
	sr.FinishedAt = ptrMS(finished)
	if dur.Valid {
		d := dur.Float64
		sr.DurationSeconds = &d
	}
	return sr, err
}

func (s *sqliteStore) CreateSuiteRun(ctx context.Context, r *domain.SuiteRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.SuiteRunning
	}
	if r.TriggeredBy == "" {
		r.TriggeredBy = domain.TriggerManual
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suite_runs(suite_id, environment_id, status, triggered_by, workers, total_scenarios, started_at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.SuiteID, r.EnvironmentID, r.Status, r.TriggeredBy, r.Workers, r.TotalScenarios, toMS(r.StartedAt))
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

func finishSuiteRun(ctx context.Context, db querier, r domain.SuiteRun) error {
	var dur any
	if r.DurationSeconds != nil {
		dur = *r.DurationSeconds
	}
	return execUpdate(ctx, db,
		`UPDATE suite_runs SET status=?, total_scenarios=?, success_count=?, failed_count=?, total_alerts=?, finished_at=?, duration_seconds=?
		 WHERE id=?`,
		r.Status, r.TotalScenarios, r.SuccessCount, r.FailedCount, r.TotalAlerts, nullMS(r.FinishedAt), dur, r.ID)
}

func (s *sqliteStore) FinishSuiteRun(ctx context.Context, r domain.SuiteRun) error {
	return finishSuiteRun(ctx, s.db, r)
}

func (s *sqliteStore) SuiteRun(ctx context.Context, id int64) (domain.SuiteRun, error) {
	sr, err := scanSuiteRun(s.db.QueryRowContext(ctx, `SELECT `+suiteRunColumns+` FROM suite_runs WHERE id=?`, id))
	return sr, notFound(err)
}

func (s *sqliteStore) CancelSuiteRun(ctx context.Context, id int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var started int64
	if err := tx.QueryRowContext(ctx, `SELECT started_at FROM suite_runs WHERE id=?`, id).Scan(&started); err != nil {
		return notFound(err)
	}
	dur := at.Sub(fromMS(started)).Seconds()
	if _, err := tx.ExecContext(ctx,
		`UPDATE suite_runs SET status=?, finished_at=?, duration_seconds=? WHERE id=?`,
		domain.SuiteCancelled, toMS(at), dur, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE scenario_runs SET status=?, finished_at=? WHERE suite_run_id=? AND status=?`,
		domain.RunCancelled, toMS(at), id, domain.RunRunning); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ScenarioRuns(ctx context.Context, suiteRunID int64) ([]domain.ScenarioRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, suite_run_id, suite_id, scenario_id, environment_id, status, alert_count, started_at, finished_at
		 FROM scenario_runs WHERE suite_run_id=? ORDER BY id`, suiteRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScenarioRun
	for rows.Next() {
		var (
			r        domain.ScenarioRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.SuiteRunID, &r.SuiteID, &r.ScenarioID, &r.EnvironmentID,
			&r.Status, &r.AlertCount, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = fromMS(started)
		r.FinishedAt = ptrMS(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- sessions ----

// sqliteSession commits every write on its own, so concurrent scenario
// executions never share transactional state.
type sqliteSession struct {
	db *sql.DB
}

func (s *sqliteStore) Session(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqliteSession{db: s.db}, nil
}

func (s *sqliteSession) CreateScenarioRun(ctx context.Context, r *domain.ScenarioRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.RunRunning
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scenario_runs(suite_run_id, suite_id, scenario_id, environment_id, status, alert_count, started_at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.SuiteRunID, r.SuiteID, r.ScenarioID, r.EnvironmentID, r.Status, r.AlertCount, toMS(r.StartedAt))
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteSession) FinishScenarioRun(ctx context.Context, r domain.ScenarioRun) error {
	return execUpdate(ctx, s.db,
		`UPDATE scenario_runs SET status=?, alert_count=?, finished_at=? WHERE id=?`,
		r.Status, r.AlertCount, nullMS(r.FinishedAt), r.ID)
}

func (s *sqliteSession) Close() error { return nil }

// ---- finalize ----

type sqliteTx struct{ tx *sql.Tx }

func (s *sqliteStore) Finalize(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t sqliteTx) AlertGroups(ctx context.Context, f AlertFilter) ([]domain.AlertGroup, error) {
	return queryAlertGroups(ctx, t.tx, f)
}

func (t sqliteTx) AlertGroup(ctx context.Context, id int64) (domain.AlertGroup, error) {
	return getAlertGroup(ctx, t.tx, id)
}

func (t sqliteTx) SaveAlertGroup(ctx context.Context, g *domain.AlertGroup) error {
	return saveAlertGroup(ctx, t.tx, g)
}

func (t sqliteTx) FinishSuiteRun(ctx context.Context, r domain.SuiteRun) error {
	return finishSuiteRun(ctx, t.tx, r)
}

// ---- alert groups ----

const alertColumns = `id, environment_id, suite_run_id, business_rule, alert_type, title, status, resolution_type,
	repeat_count, clean_runs_count, occurrence_count, scenario_ids, suite_run_history, duplicate_of, notes, closed_by,
	assigned_to, first_seen_at, last_seen_at, closed_at`

func scanAlertGroup(r scanner) (domain.AlertGroup, error) {
	var (
		g                 domain.AlertGroup
		ids, history      string
		dup, closed       sql.NullInt64
		firstSeen, lastSn int64
	)
	if err := r.Scan(&g.ID, &g.EnvironmentID, &g.SuiteRunID, &g.BusinessRule, &g.AlertType, &g.Title,
		&g.Status, &g.ResolutionType, &g.RepeatCount, &g.CleanRunsCount, &g.OccurrenceCount,
		&ids, &history, &dup, &g.Notes, &g.ClosedBy, &g.AssignedTo, &firstSeen, &lastSn, &closed); err != nil {
		return g, err
	}
	var err error
	if g.ScenarioIDs, err = domain.ParseIDList(ids); err != nil {
		return g, fmt.Errorf("alert group %d scenario_ids: %w", g.ID, err)
	}
	if g.SuiteRunHistory, err = domain.ParseIDList(history); err != nil {
		return g, fmt.Errorf("alert group %d suite_run_history: %w", g.ID, err)
	}
	g.DuplicateOf = ptrID(dup)
	g.FirstSeenAt = fromMS(firstSeen)
	g.LastSeenAt = fromMS(lastSn)
	g.ClosedAt = ptrMS(closed)
	return g, nil
}

func getAlertGroup(ctx context.Context, db querier, id int64) (domain.AlertGroup, error) {
	g, err := scanAlertGroup(db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alert_groups WHERE id=?`, id))
	return g, notFound(err)
}

func queryAlertGroups(ctx context.Context, db querier, f AlertFilter) ([]domain.AlertGroup, error) {
	var (
		where []string
		args  []any
	)
	if f.EnvironmentID != 0 {
		where = append(where, "environment_id = ?")
		args = append(args, f.EnvironmentID)
	}
	if f.BusinessRule != "" {
		where = append(where, "business_rule = ?")
		args = append(args, f.BusinessRule)
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		where = append(where, "status IN ("+marks+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Text)); q != "" {
		where = append(where, "(instr(lower(business_rule), ?) > 0 OR instr(lower(title), ?) > 0)")
		args = append(args, q, q)
	}
	query := `SELECT ` + alertColumns + ` FROM alert_groups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AlertGroup
	for rows.Next() {
		g, err := scanAlertGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func saveAlertGroup(ctx context.Context, db querier, g *domain.AlertGroup) error {
	if g.ID == 0 {
		res, err := db.ExecContext(ctx,
			`INSERT INTO alert_groups(environment_id, suite_run_id, business_rule, alert_type, title, status, resolution_type,
			 repeat_count, clean_runs_count, occurrence_count, scenario_ids, suite_run_history, duplicate_of, notes, closed_by,
			 assigned_to, first_seen_at, last_seen_at, closed_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			g.EnvironmentID, g.SuiteRunID, g.BusinessRule, g.AlertType, g.Title, g.Status, g.ResolutionType,
			g.RepeatCount, g.CleanRunsCount, g.OccurrenceCount, g.ScenarioIDs.Encode(), g.SuiteRunHistory.Encode(),
			nullID(g.DuplicateOf), g.Notes, g.ClosedBy, g.AssignedTo, toMS(g.FirstSeenAt), toMS(g.LastSeenAt), nullMS(g.ClosedAt))
		if err != nil {
			return err
		}
		g.ID, err = res.LastInsertId()
		return err
	}
	return execUpdate(ctx, db,
		`UPDATE alert_groups SET suite_run_id=?, alert_type=?, title=?, status=?, resolution_type=?, repeat_count=?,
		 clean_runs_count=?, occurrence_count=?, scenario_ids=?, suite_run_history=?, duplicate_of=?, notes=?, closed_by=?,
		 assigned_to=?, last_seen_at=?, closed_at=? WHERE id=?`,
		g.SuiteRunID, g.AlertType, g.Title, g.Status, g.ResolutionType, g.RepeatCount,
		g.CleanRunsCount, g.OccurrenceCount, g.ScenarioIDs.Encode(), g.SuiteRunHistory.Encode(), nullID(g.DuplicateOf),
		g.Notes, g.ClosedBy, g.AssignedTo, toMS(g.LastSeenAt), nullMS(g.ClosedAt), g.ID)
}

func (s *sqliteStore) AlertGroup(ctx context.Context, id int64) (domain.AlertGroup, error) {
	return getAlertGroup(ctx, s.db, id)
}

func (s *sqliteStore) AlertGroups(ctx context.Context, f AlertFilter) ([]domain.AlertGroup, error) {
	return queryAlertGroups(ctx, s.db, f)
}

func (s *sqliteStore) SaveAlertGroup(ctx context.Context, g *domain.AlertGroup) error {
	return saveAlertGroup(ctx, s.db, g)
}

func (s *sqliteStore) CountAlertGroups(ctx context.Context, envID int64) (map[domain.AlertStatus]int, error) {
	q := `SELECT status, COUNT(*) FROM alert_groups`
	var args []any
	if envID != 0 {
		q += ` WHERE environment_id = ?`
		args = append(args, envID)
	}
	rows, err := s.db.QueryContext(ctx, q+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.AlertStatus]int{}
	for rows.Next() {
		var (
			st domain.AlertStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ---- maintenance ----

func (s *sqliteStore) PurgeRuns(ctx context.Context, opts PurgeOptions) (PurgeResult, error) {
	var res PurgeResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := int64(1<<62 - 1)
	if !opts.Before.IsZero() {
		cutoff = toMS(opts.Before)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM suite_runs WHERE started_at < ? AND status != ? ORDER BY id`,
		cutoff, domain.SuiteRunning)
	if err != nil {
		return res, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, err
		}
		res.SuiteRunIDs = append(res.SuiteRunIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	for _, id := range res.SuiteRunIDs {
		r, err := tx.ExecContext(ctx, `DELETE FROM scenario_runs WHERE suite_run_id=?`, id)
		if err != nil {
			return res, err
		}
		n, _ := r.RowsAffected()
		res.ScenarioRuns += int(n)
		r, err = tx.ExecContext(ctx, `UPDATE scheduled_jobs SET last_suite_run_id=NULL WHERE last_suite_run_id=?`, id)
		if err != nil {
			return res, err
		}
		n, _ = r.RowsAffected()
		res.JobsDetached += int(n)
		if _, err := tx.ExecContext(ctx, `DELETE FROM suite_runs WHERE id=?`, id); err != nil {
			return res, err
		}
	}
	r, err := tx.ExecContext(ctx, `DELETE FROM alert_groups WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return res, err
	}
	n, _ := r.RowsAffected()
	res.AlertGroups = int(n)
	return res, tx.Commit()
}
