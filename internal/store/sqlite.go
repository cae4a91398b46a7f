package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/panelworks/fieldops/internal/fault"
	"github.com/panelworks/fieldops/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS customers (
	id                       TEXT PRIMARY KEY,
	full_name                TEXT NOT NULL DEFAULT '',
	first_name               TEXT NOT NULL DEFAULT '',
	address                  TEXT NOT NULL DEFAULT '',
	phone                    TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	lat                      REAL,
	lng                      REAL,
	status                   TEXT NOT NULL DEFAULT 'lead',
	panel_count              INTEGER NOT NULL DEFAULT 0,
	anytime_access           INTEGER NOT NULL DEFAULT 0,
	flexible                 INTEGER NOT NULL DEFAULT 0,
	is_recurring             INTEGER NOT NULL DEFAULT 0,
	preferred_contact_method TEXT NOT NULL DEFAULT '',
	created_at               DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	customer_id         TEXT NOT NULL REFERENCES customers(id),
	job_description     TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'unscheduled',
	panel_count         INTEGER NOT NULL DEFAULT 0,
	price               REAL NOT NULL DEFAULT 0,
	price_per_panel     REAL NOT NULL DEFAULT 0,
	preferred_days      TEXT NOT NULL DEFAULT '',
	preferred_time      TEXT NOT NULL DEFAULT '',
	technician          TEXT NOT NULL DEFAULT '',
	employee            TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	is_gap_fill         INTEGER NOT NULL DEFAULT 0,
	is_recurring        INTEGER NOT NULL DEFAULT 0,
	recurrence_interval TEXT NOT NULL DEFAULT '',
	scheduled_date      TEXT,
	completed_date      TEXT,
	cancelled_at        DATETIME,
	gap_fill_attempted  INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS routes (
	id             TEXT PRIMARY KEY,
	technician     TEXT NOT NULL DEFAULT '',
	scheduled_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS route_stops (
	id             TEXT PRIMARY KEY,
	route_id       TEXT NOT NULL REFERENCES routes(id),
	customer_id    TEXT NOT NULL REFERENCES customers(id),
	stop_order     INTEGER NOT NULL DEFAULT 0,
	scheduled_time TEXT NOT NULL DEFAULT '',
	notes          TEXT NOT NULL DEFAULT '',
	cancelled      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gap_fill_sessions (
	id                        TEXT PRIMARY KEY,
	route_id                  TEXT NOT NULL,
	cancelled_stop_id         TEXT NOT NULL DEFAULT '',
	cancelled_job_id          TEXT NOT NULL DEFAULT '',
	cancelled_customer_id     TEXT NOT NULL DEFAULT '',
	cancelled_job_description TEXT NOT NULL DEFAULT '',
	reference_lat             REAL NOT NULL,
	reference_lng             REAL NOT NULL,
	reference_address         TEXT NOT NULL DEFAULT '',
	next_stop_id              TEXT NOT NULL DEFAULT '',
	next_stop_lat             REAL,
	next_stop_lng             REAL,
	next_stop_time            TEXT NOT NULL DEFAULT '',
	search_layer              INTEGER NOT NULL DEFAULT 1,
	status                    TEXT NOT NULL DEFAULT 'active',
	resolution                TEXT NOT NULL DEFAULT '',
	confirmed_customer_id     TEXT NOT NULL DEFAULT '',
	confirmed_candidate_id    TEXT NOT NULL DEFAULT '',
	tech_moved_on             INTEGER NOT NULL DEFAULT 0,
	created_at                DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at               DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_gap_fill_session_active
	ON gap_fill_sessions(status) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS gap_fill_candidates (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL REFERENCES gap_fill_sessions(id),
	customer_id         TEXT NOT NULL REFERENCES customers(id),
	tier                INTEGER NOT NULL,
	tier_reason         TEXT NOT NULL DEFAULT '',
	distance_miles      REAL NOT NULL DEFAULT 0,
	direction_score     REAL NOT NULL DEFAULT 0,
	search_layer        INTEGER NOT NULL DEFAULT 1,
	sort_rank           INTEGER NOT NULL DEFAULT 0,
	outreach_status     TEXT NOT NULL DEFAULT 'pending',
	outreach_note       TEXT NOT NULL DEFAULT '',
	contact_method_used TEXT NOT NULL DEFAULT '',
	contacted_at        DATETIME,
	resolved_at         DATETIME,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (session_id, customer_id)
);

CREATE TABLE IF NOT EXISTS gap_fill_outreach_log (
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	contacted_at DATETIME NOT NULL DEFAULT (datetime('now')),
	outcome      TEXT NOT NULL,
	tier         INTEGER NOT NULL DEFAULT 0,
	service_type TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_customers_lat_lng ON customers(lat, lng);
CREATE INDEX IF NOT EXISTS idx_jobs_customer_desc ON jobs(customer_id, job_description);
CREATE INDEX IF NOT EXISTS idx_route_stops_route_id ON route_stops(route_id);
CREATE INDEX IF NOT EXISTS idx_routes_scheduled_date ON routes(scheduled_date);
CREATE INDEX IF NOT EXISTS idx_gap_fill_sessions_route ON gap_fill_sessions(route_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_gap_fill_candidates_session ON gap_fill_candidates(session_id, sort_rank);
CREATE INDEX IF NOT EXISTS idx_outreach_log_customer ON gap_fill_outreach_log(customer_id, contacted_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// sqlQueryer is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSessionSQL(row rowScanner) (*model.GapFillSession, error) {
	var sess model.GapFillSession
	var nextLat, nextLng sql.NullFloat64
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&sess.ID, &sess.RouteID, &sess.CancelledStopID, &sess.CancelledJobID, &sess.CancelledCustomerID,
		&sess.CancelledJobDescription, &sess.ReferenceLat, &sess.ReferenceLng, &sess.ReferenceAddress,
		&sess.NextStopID, &nextLat, &nextLng, &sess.NextStopTime,
		&sess.SearchLayer, &sess.Status, &sess.Resolution, &sess.ConfirmedCustomerID, &sess.ConfirmedCandidateID,
		&sess.TechMovedOn, &sess.CreatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	if nextLat.Valid {
		sess.NextStopLat = &nextLat.Float64
	}
	if nextLng.Valid {
		sess.NextStopLng = &nextLng.Float64
	}
	if resolvedAt.Valid {
		sess.ResolvedAt = &resolvedAt.Time
	}
	return &sess, nil
}

func scanCandidateSQL(row rowScanner) (*model.GapFillCandidate, error) {
	var c model.GapFillCandidate
	var contactedAt, resolvedAt sql.NullTime
	if err := row.Scan(
		&c.ID, &c.SessionID, &c.CustomerID, &c.Tier, &c.TierReason, &c.DistanceMiles,
		&c.DirectionScore, &c.SearchLayer, &c.SortRank, &c.OutreachStatus, &c.OutreachNote,
		&c.ContactMethodUsed, &contactedAt, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if contactedAt.Valid {
		c.ContactedAt = &contactedAt.Time
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}

// isSQLiteConstraint reports whether err is a SQLite constraint violation.
// modernc.org/sqlite returns extended result codes in the error string;
// UNIQUE violations carry code 2067 or 1555.
func isSQLiteConstraint(err error) bool {
	if err == nil {
		return false
	}
	type coder interface{ Code() int }
	var c coder
	if errors.As(err, &c) {
		code := c.Code()
		return code == 2067 || code == 1555 || code&0xff == 19
	}
	return false
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.GapFillSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gap_fill_sessions
		 (id, route_id, cancelled_stop_id, cancelled_job_id, cancelled_customer_id,
		  cancelled_job_description, reference_lat, reference_lng, reference_address,
		  next_stop_id, next_stop_lat, next_stop_lng, next_stop_time,
		  search_layer, status, tech_moved_on, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.RouteID, sess.CancelledStopID, sess.CancelledJobID, sess.CancelledCustomerID,
		sess.CancelledJobDescription, sess.ReferenceLat, sess.ReferenceLng, sess.ReferenceAddress,
		sess.NextStopID, sess.NextStopLat, sess.NextStopLng, sess.NextStopTime,
		sess.SearchLayer, string(sess.Status), sess.TechMovedOn, sess.CreatedAt,
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fault.Conflictf("a gap-fill session is already active")
		}
		return eris.Wrap(err, "sqlite: insert session")
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.GapFillSession, error) {
	sess, err := scanSessionSQL(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("session not found: %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ActiveSession(ctx context.Context) (*model.GapFillSession, error) {
	sess, err := scanSessionSQL(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE status = 'active' ORDER BY created_at DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: active session")
	}
	return sess, nil
}

func (s *SQLiteStore) LatestSessionForRoute(ctx context.Context, routeID string) (*model.GapFillSession, error) {
	sess, err := scanSessionSQL(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE route_id = ? ORDER BY created_at DESC LIMIT 1`,
		routeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest session for route %s", routeID)
	}
	return sess, nil
}

// ExpandSession advances an active session to the given search layer and
// stores that layer's candidate batch in one transaction. A failure at either
// step leaves the session at its previous layer with no new rows.
func (s *SQLiteStore) ExpandSession(ctx context.Context, sessionID string, layer int, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: expand begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE gap_fill_sessions SET search_layer = ? WHERE id = ? AND status = 'active'`,
		layer, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update search layer %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fault.InvalidStatef("session %s is %s, not active", sessionID, existing.Status)
	}

	out, err := insertCandidatesInTx(ctx, tx, sessionID, ranked, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: expand commit")
	}
	return out, nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, at time.Time) (*model.GapFillSession, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gap_fill_sessions
		 SET status = 'closed', resolution = 'unfilled', resolved_at = ?
		 WHERE id = ? AND status = 'active'`,
		at, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: close session %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fault.InvalidStatef("session %s is already %s", sessionID, existing.Status)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SQLiteStore) SetTechMovedOn(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gap_fill_sessions SET tech_moved_on = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set tech moved on %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFoundf("session not found: %s", sessionID)
	}
	return nil
}

func (s *SQLiteStore) MarkGapFillAttempted(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET gap_fill_attempted = 1 WHERE id = ?`, jobID)
	return eris.Wrapf(err, "sqlite: mark gap fill attempted %s", jobID)
}

func (s *SQLiteStore) InsertCandidates(ctx context.Context, sessionID string, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	if len(ranked) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert candidates begin")
	}
	defer tx.Rollback()

	out, err := insertCandidatesInTx(ctx, tx, sessionID, ranked, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert candidates commit")
	}
	return out, nil
}

// insertCandidatesInTx appends a ranked batch inside an open transaction,
// continuing sort ranks from the session's current maximum.
func insertCandidatesInTx(ctx context.Context, tx *sql.Tx, sessionID string, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	if len(ranked) == 0 {
		return nil, nil
	}

	var maxRank int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_rank), 0) FROM gap_fill_candidates WHERE session_id = ?`,
		sessionID,
	).Scan(&maxRank)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: max sort rank %s", sessionID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO gap_fill_candidates
		 (id, session_id, customer_id, tier, tier_reason, distance_miles, direction_score,
		  search_layer, sort_rank, outreach_status, outreach_note, contact_method_used,
		  created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare insert candidate")
	}
	defer stmt.Close()

	out := make([]model.GapFillCandidate, 0, len(ranked))
	for i, rc := range ranked {
		c := model.GapFillCandidate{
			ID:             uuid.New().String(),
			SessionID:      sessionID,
			CustomerID:     rc.CustomerID,
			Tier:           rc.Tier,
			TierReason:     rc.TierReason,
			DistanceMiles:  rc.DistanceMiles,
			DirectionScore: rc.DirectionScore,
			SearchLayer:    rc.SearchLayer,
			SortRank:       maxRank + i + 1,
			OutreachStatus: model.OutreachPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.SessionID, c.CustomerID, c.Tier, c.TierReason, c.DistanceMiles, c.DirectionScore,
			c.SearchLayer, c.SortRank, string(c.OutreachStatus), c.OutreachNote, c.ContactMethodUsed,
			c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert candidate %s", c.CustomerID)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, sessionID string) ([]model.GapFillCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candidateColumns+` FROM gap_fill_candidates WHERE session_id = ? ORDER BY sort_rank ASC`,
		sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates %s", sessionID)
	}
	defer rows.Close()

	var out []model.GapFillCandidate
	for rows.Next() {
		c, err := scanCandidateSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.GapFillCandidate, error) {
	return getCandidateSQL(ctx, s.db, id)
}

func getCandidateSQL(ctx context.Context, q sqlQueryer, id string) (*model.GapFillCandidate, error) {
	c, err := scanCandidateSQL(q.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM gap_fill_candidates WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("candidate not found: %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) CandidateCustomerIDs(ctx context.Context, sessionID string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT customer_id FROM gap_fill_candidates WHERE session_id = ?`,
		"sqlite: candidate customer ids", sessionID)
}

func (s *SQLiteStore) UpdateCandidateOutreach(ctx context.Context, u OutreachUpdate) (*model.GapFillCandidate, error) {
	note := ""
	if u.Note != nil {
		note = *u.Note
	}
	method := ""
	if u.ContactMethod != nil {
		method = *u.ContactMethod
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE gap_fill_candidates
		 SET outreach_status = ?,
		     outreach_note = CASE WHEN ? THEN ? ELSE outreach_note END,
		     contact_method_used = CASE WHEN ? THEN ? ELSE contact_method_used END,
		     contacted_at = COALESCE(?, contacted_at),
		     resolved_at = COALESCE(?, resolved_at),
		     updated_at = ?
		 WHERE id = ?`,
		string(u.Status), u.Note != nil, note, u.ContactMethod != nil, method,
		u.ContactedAt, u.ResolvedAt, u.Now, u.CandidateID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update candidate outreach %s", u.CandidateID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.NotFoundf("candidate not found: %s", u.CandidateID)
	}
	return s.GetCandidate(ctx, u.CandidateID)
}

func (s *SQLiteStore) AppendOutreachLog(ctx context.Context, e model.OutreachLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gap_fill_outreach_log (id, customer_id, session_id, contacted_at, outcome, tier, service_type)
		 VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.CustomerID, e.SessionID, e.ContactedAt, e.Outcome, e.Tier, e.ServiceType,
	)
	return eris.Wrap(err, "sqlite: append outreach log")
}

func (s *SQLiteStore) OutreachCounts(ctx context.Context, weekAgo, monthAgo time.Time) (map[string]model.OutreachCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id,
		        SUM(CASE WHEN contacted_at > ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN contacted_at > ? THEN 1 ELSE 0 END)
		 FROM gap_fill_outreach_log
		 GROUP BY customer_id`,
		weekAgo, monthAgo)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: outreach counts")
	}
	defer rows.Close()

	out := map[string]model.OutreachCounts{}
	for rows.Next() {
		var id string
		var c model.OutreachCounts
		if err := rows.Scan(&id, &c.Week, &c.Month); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outreach counts")
		}
		out[id] = c
	}
	return out, eris.Wrap(rows.Err(), "sqlite: outreach counts iterate")
}

func (s *SQLiteStore) LastContacts(ctx context.Context) (map[string]model.LastContact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, contacted_at, outcome FROM (
		   SELECT customer_id, contacted_at, outcome,
		          ROW_NUMBER() OVER (PARTITION BY customer_id ORDER BY contacted_at DESC) AS rn
		   FROM gap_fill_outreach_log
		 ) WHERE rn = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last contacts")
	}
	defer rows.Close()

	out := map[string]model.LastContact{}
	for rows.Next() {
		var id string
		var lc model.LastContact
		if err := rows.Scan(&id, &lc.ContactedAt, &lc.Outcome); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan last contact")
		}
		out[id] = lc
	}
	return out, eris.Wrap(rows.Err(), "sqlite: last contacts iterate")
}

func (s *SQLiteStore) DeleteRecentOutreach(ctx context.Context, customerID string, since time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM gap_fill_outreach_log WHERE customer_id = ? AND contacted_at > ?`,
		customerID, since)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete recent outreach %s", customerID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CandidatePool(ctx context.Context, q PoolQuery) ([]model.CandidateCustomer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.first_name, c.full_name, c.address, c.phone, c.email, c.lat, c.lng,
		        c.anytime_access, c.flexible, c.is_recurring, c.panel_count, c.preferred_contact_method,
		        (SELECT j.completed_date FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = ?1 AND j.status = 'completed'
		         ORDER BY j.completed_date DESC LIMIT 1) AS last_service_for_type,
		        (SELECT j.scheduled_date FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = ?1 AND j.status NOT IN ('completed','cancelled')
		         ORDER BY j.scheduled_date ASC LIMIT 1) AS next_scheduled_for_type,
		        (SELECT j.recurrence_interval FROM jobs j
		         WHERE j.customer_id = c.id AND j.is_recurring = 1 AND j.job_description = ?1
		         ORDER BY j.created_at DESC LIMIT 1) AS recurrence_for_type,
		        (SELECT COUNT(*) FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = ?1 AND j.status = 'completed') AS completed_count_for_type
		 FROM customers c
		 WHERE c.lat IS NOT NULL AND c.lng IS NOT NULL
		   AND c.lat != 0 AND c.lng != 0
		   AND c.phone != ''
		   AND c.lat BETWEEN ?2 AND ?3
		   AND c.lng BETWEEN ?4 AND ?5`,
		q.JobDescription, q.BBox.MinLat, q.BBox.MaxLat, q.BBox.MinLng, q.BBox.MaxLng)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: candidate pool")
	}
	defer rows.Close()

	var out []model.CandidateCustomer
	for rows.Next() {
		var c model.CandidateCustomer
		var lastService, nextScheduled, recurrence sql.NullString
		if err := rows.Scan(
			&c.ID, &c.FirstName, &c.FullName, &c.Address, &c.Phone, &c.Email, &c.Lat, &c.Lng,
			&c.AnytimeAccess, &c.Flexible, &c.IsRecurring, &c.PanelCount, &c.PreferredContactMethod,
			&lastService, &nextScheduled, &recurrence, &c.CompletedCountForType,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate pool row")
		}
		if lastService.Valid {
			c.LastServiceForType = parseDate(&lastService.String)
		}
		if nextScheduled.Valid {
			c.NextScheduledForType = parseDate(&nextScheduled.String)
		}
		if recurrence.Valid {
			c.RecurrenceForType = recurrence.String
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: candidate pool iterate")
}

func (s *SQLiteStore) CustomersByID(ctx context.Context, ids []string) (map[string]model.CandidateCustomer, error) {
	if len(ids) == 0 {
		return map[string]model.CandidateCustomer{}, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_name, full_name, address, phone, email,
		        COALESCE(lat, 0), COALESCE(lng, 0),
		        anytime_access, flexible, is_recurring, panel_count, preferred_contact_method
		 FROM customers WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: customers by id")
	}
	defer rows.Close()

	out := map[string]model.CandidateCustomer{}
	for rows.Next() {
		var c model.CandidateCustomer
		if err := rows.Scan(
			&c.ID, &c.FirstName, &c.FullName, &c.Address, &c.Phone, &c.Email,
			&c.Lat, &c.Lng, &c.AnytimeAccess, &c.Flexible, &c.IsRecurring,
			&c.PanelCount, &c.PreferredContactMethod,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan customer")
		}
		out[c.ID] = c
	}
	return out, eris.Wrap(rows.Err(), "sqlite: customers by id iterate")
}

func (s *SQLiteStore) RouteCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT rs.customer_id FROM route_stops rs
		 JOIN routes r ON rs.route_id = r.id
		 WHERE r.scheduled_date = ?`,
		"sqlite: route customer ids", date)
}

func (s *SQLiteStore) CancelledTodayCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT DISTINCT customer_id FROM jobs WHERE date(cancelled_at) = ?`,
		"sqlite: cancelled today customer ids", date)
}

func (s *SQLiteStore) idQuery(ctx context.Context, query, label string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, label)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, label+" scan")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), label+" iterate")
}

func (s *SQLiteStore) SetAnytimeAccess(ctx context.Context, customerID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET anytime_access = ? WHERE id = ?`, enabled, customerID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set anytime access %s", customerID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFoundf("customer not found: %s", customerID)
	}
	return nil
}

func (s *SQLiteStore) ConfirmCandidate(ctx context.Context, p ConfirmParams) (*ConfirmResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm begin")
	}
	defer tx.Rollback()

	cand, err := getCandidateSQL(ctx, tx, p.CandidateID)
	if err != nil {
		return nil, err
	}
	if cand.SessionID != p.SessionID {
		return nil, fault.NotFoundf("candidate %s does not belong to session %s", p.CandidateID, p.SessionID)
	}

	sess, err := scanSessionSQL(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE id = ?`, p.SessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("session not found: %s", p.SessionID)
		}
		return nil, eris.Wrapf(err, "sqlite: confirm get session %s", p.SessionID)
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fault.Conflictf("session %s is no longer active", p.SessionID)
	}

	scheduleDate := p.Today
	routeTechnician := ""
	if p.AddToRoute {
		var routeDate string
		err := tx.QueryRowContext(ctx,
			`SELECT scheduled_date, technician FROM routes WHERE id = ?`, sess.RouteID,
		).Scan(&routeDate, &routeTechnician)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(err, "sqlite: confirm get route %s", sess.RouteID)
		}
		if routeDate != "" {
			scheduleDate = routeDate
		}
	}

	var bookedStopID string
	err = tx.QueryRowContext(ctx,
		`SELECT rs.id FROM route_stops rs
		 JOIN routes r ON rs.route_id = r.id
		 WHERE rs.customer_id = ? AND r.scheduled_date = ? AND rs.cancelled = 0
		 LIMIT 1`,
		cand.CustomerID, scheduleDate,
	).Scan(&bookedStopID)
	if err == nil {
		return nil, fault.Conflictf("customer %s is already on a route for %s", cand.CustomerID, scheduleDate)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: confirm booking guard")
	}

	var prev model.Job
	err = tx.QueryRowContext(ctx,
		`SELECT panel_count, price, price_per_panel, preferred_days, preferred_time, technician, employee
		 FROM jobs
		 WHERE customer_id = ? AND job_description = ?
		 ORDER BY COALESCE(completed_date, scheduled_date, created_at) DESC
		 LIMIT 1`,
		cand.CustomerID, sess.CancelledJobDescription,
	).Scan(&prev.PanelCount, &prev.Price, &prev.PricePerPanel, &prev.PreferredDays,
		&prev.PreferredTime, &prev.Technician, &prev.Employee)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: confirm previous job")
	}
	if prev.PanelCount == 0 {
		err := tx.QueryRowContext(ctx,
			`SELECT panel_count FROM customers WHERE id = ?`, cand.CustomerID,
		).Scan(&prev.PanelCount)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(err, "sqlite: confirm customer panel count")
		}
	}

	job := model.Job{
		ID:             uuid.New().String(),
		CustomerID:     cand.CustomerID,
		JobDescription: sess.CancelledJobDescription,
		Status:         "unscheduled",
		PanelCount:     prev.PanelCount,
		Price:          prev.Price,
		PricePerPanel:  prev.PricePerPanel,
		PreferredDays:  prev.PreferredDays,
		PreferredTime:  prev.PreferredTime,
		Technician:     prev.Technician,
		Employee:       prev.Employee,
		Notes:          "Gap-fill job - review before routing",
		IsGapFill:      true,
		CreatedAt:      p.Now,
	}
	if p.AddToRoute {
		job.Status = "scheduled"
		job.ScheduledDate = scheduleDate
		job.Notes = "Gap-fill replacement"
		if job.Technician == "" {
			job.Technician = routeTechnician
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, customer_id, job_description, status, panel_count, price, price_per_panel,
		                   preferred_days, preferred_time, technician, employee, notes, is_gap_fill,
		                   scheduled_date, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,NULLIF(?,''),?)`,
		job.ID, job.CustomerID, job.JobDescription, job.Status, job.PanelCount, job.Price, job.PricePerPanel,
		job.PreferredDays, job.PreferredTime, job.Technician, job.Employee, job.Notes, job.IsGapFill,
		job.ScheduledDate, job.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm insert job")
	}

	var newStop *model.RouteStop
	if p.AddToRoute {
		stopOrder := 999
		stopTime := ""
		err := tx.QueryRowContext(ctx,
			`SELECT stop_order, scheduled_time FROM route_stops WHERE id = ?`, sess.CancelledStopID,
		).Scan(&stopOrder, &stopTime)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(err, "sqlite: confirm cancelled stop")
		}

		stop := model.RouteStop{
			ID:            uuid.New().String(),
			RouteID:       sess.RouteID,
			CustomerID:    cand.CustomerID,
			StopOrder:     stopOrder,
			ScheduledTime: stopTime,
			Notes:         "Gap-fill replacement",
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO route_stops (id, route_id, customer_id, stop_order, scheduled_time, notes)
			 VALUES (?,?,?,?,?,?)`,
			stop.ID, stop.RouteID, stop.CustomerID, stop.StopOrder, stop.ScheduledTime, stop.Notes,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: confirm insert stop")
		}
		newStop = &stop

		if _, err := tx.ExecContext(ctx,
			`UPDATE customers SET status = 'scheduled' WHERE id = ?`, cand.CustomerID,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: confirm update customer")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE gap_fill_candidates
		 SET outreach_status = 'confirmed', resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		p.Now, p.Now, cand.ID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm update candidate")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE gap_fill_sessions
		 SET status = 'filled', resolution = 'confirmed', resolved_at = ?,
		     confirmed_customer_id = ?, confirmed_candidate_id = ?
		 WHERE id = ? AND status = 'active'`,
		p.Now, cand.CustomerID, cand.ID, p.SessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm update session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.Conflictf("session %s was resolved by a concurrent confirmation", p.SessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gap_fill_outreach_log (id, customer_id, session_id, contacted_at, outcome, tier, service_type)
		 VALUES (?,?,?,?,'confirmed',?,?)`,
		uuid.New().String(), cand.CustomerID, sess.ID, p.Now, cand.Tier, sess.CancelledJobDescription,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm append log")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: confirm commit")
	}

	now := p.Now
	cand.OutreachStatus = model.OutreachConfirmed
	cand.ResolvedAt = &now
	cand.UpdatedAt = now
	sess.Status = model.SessionStatusFilled
	sess.Resolution = model.ResolutionConfirmed
	sess.ResolvedAt = &now
	sess.ConfirmedCustomerID = cand.CustomerID
	sess.ConfirmedCandidateID = cand.ID

	return &ConfirmResult{Session: sess, Candidate: cand, NewJob: &job, NewStop: newStop}, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.GapFillStats, error) {
	stats := &model.GapFillStats{TierSuccess: map[int]model.TierOutcomes{}}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN resolution = 'confirmed' THEN 1 ELSE 0 END), 0)
		 FROM gap_fill_sessions`,
	).Scan(&stats.TotalSessions, &stats.FilledSessions)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats sessions")
	}
	if stats.TotalSessions > 0 {
		stats.FillRatePct = int(float64(stats.FilledSessions)/float64(stats.TotalSessions)*100 + 0.5)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, outcome, COUNT(*)
		 FROM gap_fill_outreach_log
		 GROUP BY tier, outcome
		 ORDER BY tier, outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats tiers")
	}
	defer rows.Close()

	for rows.Next() {
		var tier, count int
		var outcome string
		if err := rows.Scan(&tier, &outcome, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tier stats")
		}
		t := stats.TierSuccess[tier]
		t.Total += count
		if outcome == "confirmed" {
			t.Confirmed += count
		}
		stats.TierSuccess[tier] = t
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats tiers iterate")
	}

	for tier, t := range stats.TierSuccess {
		if t.Total > 0 {
			t.RatePct = int(float64(t.Confirmed)/float64(t.Total)*100 + 0.5)
		}
		stats.TierSuccess[tier] = t
	}
	return stats, nil
}
