package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/panelworks/fieldops/internal/db"
	"github.com/panelworks/fieldops/internal/fault"
	"github.com/panelworks/fieldops/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS customers (
	id                       TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	full_name                TEXT NOT NULL DEFAULT '',
	first_name               TEXT NOT NULL DEFAULT '',
	address                  TEXT NOT NULL DEFAULT '',
	phone                    TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	lat                      DOUBLE PRECISION,
	lng                      DOUBLE PRECISION,
	status                   TEXT NOT NULL DEFAULT 'lead',
	panel_count              INTEGER NOT NULL DEFAULT 0,
	anytime_access           BOOLEAN NOT NULL DEFAULT false,
	flexible                 BOOLEAN NOT NULL DEFAULT false,
	is_recurring             BOOLEAN NOT NULL DEFAULT false,
	preferred_contact_method TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	customer_id         TEXT NOT NULL REFERENCES customers(id),
	job_description     TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'unscheduled',
	panel_count         INTEGER NOT NULL DEFAULT 0,
	price               DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_per_panel     DOUBLE PRECISION NOT NULL DEFAULT 0,
	preferred_days      TEXT NOT NULL DEFAULT '',
	preferred_time      TEXT NOT NULL DEFAULT '',
	technician          TEXT NOT NULL DEFAULT '',
	employee            TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	is_gap_fill         BOOLEAN NOT NULL DEFAULT false,
	is_recurring        BOOLEAN NOT NULL DEFAULT false,
	recurrence_interval TEXT NOT NULL DEFAULT '',
	scheduled_date      TEXT,
	completed_date      TEXT,
	cancelled_at        TIMESTAMPTZ,
	gap_fill_attempted  BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS routes (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	technician     TEXT NOT NULL DEFAULT '',
	scheduled_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS route_stops (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	route_id       TEXT NOT NULL REFERENCES routes(id),
	customer_id    TEXT NOT NULL REFERENCES customers(id),
	stop_order     INTEGER NOT NULL DEFAULT 0,
	scheduled_time TEXT NOT NULL DEFAULT '',
	notes          TEXT NOT NULL DEFAULT '',
	cancelled      BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS gap_fill_sessions (
	id                        TEXT PRIMARY KEY,
	route_id                  TEXT NOT NULL,
	cancelled_stop_id         TEXT NOT NULL DEFAULT '',
	cancelled_job_id          TEXT NOT NULL DEFAULT '',
	cancelled_customer_id     TEXT NOT NULL DEFAULT '',
	cancelled_job_description TEXT NOT NULL DEFAULT '',
	reference_lat             DOUBLE PRECISION NOT NULL,
	reference_lng             DOUBLE PRECISION NOT NULL,
	reference_address         TEXT NOT NULL DEFAULT '',
	next_stop_id              TEXT NOT NULL DEFAULT '',
	next_stop_lat             DOUBLE PRECISION,
	next_stop_lng             DOUBLE PRECISION,
	next_stop_time            TEXT NOT NULL DEFAULT '',
	search_layer              INTEGER NOT NULL DEFAULT 1,
	status                    TEXT NOT NULL DEFAULT 'active',
	resolution                TEXT NOT NULL DEFAULT '',
	confirmed_customer_id     TEXT NOT NULL DEFAULT '',
	confirmed_candidate_id    TEXT NOT NULL DEFAULT '',
	tech_moved_on             BOOLEAN NOT NULL DEFAULT false,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at               TIMESTAMPTZ
);

-- One active dispatch decision system-wide: the partial unique index makes a
-- racing second INSERT fail instead of silently coexisting.
CREATE UNIQUE INDEX IF NOT EXISTS uniq_gap_fill_session_active
	ON gap_fill_sessions(status) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS gap_fill_candidates (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL REFERENCES gap_fill_sessions(id),
	customer_id         TEXT NOT NULL REFERENCES customers(id),
	tier                INTEGER NOT NULL,
	tier_reason         TEXT NOT NULL DEFAULT '',
	distance_miles      DOUBLE PRECISION NOT NULL DEFAULT 0,
	direction_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	search_layer        INTEGER NOT NULL DEFAULT 1,
	sort_rank           INTEGER NOT NULL DEFAULT 0,
	outreach_status     TEXT NOT NULL DEFAULT 'pending',
	outreach_note       TEXT NOT NULL DEFAULT '',
	contact_method_used TEXT NOT NULL DEFAULT '',
	contacted_at        TIMESTAMPTZ,
	resolved_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, customer_id)
);

CREATE TABLE IF NOT EXISTS gap_fill_outreach_log (
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	contacted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	outcome      TEXT NOT NULL,
	tier         INTEGER NOT NULL DEFAULT 0,
	service_type TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_customers_lat_lng ON customers(lat, lng);
CREATE INDEX IF NOT EXISTS idx_jobs_customer_desc ON jobs(customer_id, job_description);
CREATE INDEX IF NOT EXISTS idx_jobs_cancelled_at ON jobs(cancelled_at);
CREATE INDEX IF NOT EXISTS idx_route_stops_route_id ON route_stops(route_id);
CREATE INDEX IF NOT EXISTS idx_route_stops_customer_id ON route_stops(customer_id);
CREATE INDEX IF NOT EXISTS idx_routes_scheduled_date ON routes(scheduled_date);
CREATE INDEX IF NOT EXISTS idx_gap_fill_sessions_route ON gap_fill_sessions(route_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_gap_fill_candidates_session ON gap_fill_candidates(session_id, sort_rank);
CREATE INDEX IF NOT EXISTS idx_outreach_log_customer ON gap_fill_outreach_log(customer_id, contacted_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// pgxQueryer is satisfied by both db.Pool and pgx.Tx so session/candidate
// reads can run inside or outside a transaction.
type pgxQueryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, route_id, cancelled_stop_id, cancelled_job_id, cancelled_customer_id,
	cancelled_job_description, reference_lat, reference_lng, reference_address,
	next_stop_id, next_stop_lat, next_stop_lng, next_stop_time,
	search_layer, status, resolution, confirmed_customer_id, confirmed_candidate_id,
	tech_moved_on, created_at, resolved_at`

func scanSession(row rowScanner) (*model.GapFillSession, error) {
	var sess model.GapFillSession
	var nextLat, nextLng *float64
	if err := row.Scan(
		&sess.ID, &sess.RouteID, &sess.CancelledStopID, &sess.CancelledJobID, &sess.CancelledCustomerID,
		&sess.CancelledJobDescription, &sess.ReferenceLat, &sess.ReferenceLng, &sess.ReferenceAddress,
		&sess.NextStopID, &nextLat, &nextLng, &sess.NextStopTime,
		&sess.SearchLayer, &sess.Status, &sess.Resolution, &sess.ConfirmedCustomerID, &sess.ConfirmedCandidateID,
		&sess.TechMovedOn, &sess.CreatedAt, &sess.ResolvedAt,
	); err != nil {
		return nil, err
	}
	sess.NextStopLat = nextLat
	sess.NextStopLng = nextLng
	return &sess, nil
}

const candidateColumns = `id, session_id, customer_id, tier, tier_reason, distance_miles,
	direction_score, search_layer, sort_rank, outreach_status, outreach_note,
	contact_method_used, contacted_at, resolved_at, created_at, updated_at`

func scanCandidate(row rowScanner) (*model.GapFillCandidate, error) {
	var c model.GapFillCandidate
	if err := row.Scan(
		&c.ID, &c.SessionID, &c.CustomerID, &c.Tier, &c.TierReason, &c.DistanceMiles,
		&c.DirectionScore, &c.SearchLayer, &c.SortRank, &c.OutreachStatus, &c.OutreachNote,
		&c.ContactMethodUsed, &c.ContactedAt, &c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.GapFillSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gap_fill_sessions
		 (id, route_id, cancelled_stop_id, cancelled_job_id, cancelled_customer_id,
		  cancelled_job_description, reference_lat, reference_lng, reference_address,
		  next_stop_id, next_stop_lat, next_stop_lng, next_stop_time,
		  search_layer, status, tech_moved_on, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		sess.ID, sess.RouteID, sess.CancelledStopID, sess.CancelledJobID, sess.CancelledCustomerID,
		sess.CancelledJobDescription, sess.ReferenceLat, sess.ReferenceLng, sess.ReferenceAddress,
		sess.NextStopID, sess.NextStopLat, sess.NextStopLng, sess.NextStopTime,
		sess.SearchLayer, string(sess.Status), sess.TechMovedOn, sess.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("a gap-fill session is already active")
		}
		return eris.Wrap(err, "postgres: insert session")
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.GapFillSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFoundf("session not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ActiveSession(ctx context.Context) (*model.GapFillSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE status = 'active' ORDER BY created_at DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: active session")
	}
	return sess, nil
}

func (s *PostgresStore) LatestSessionForRoute(ctx context.Context, routeID string) (*model.GapFillSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE route_id = $1 ORDER BY created_at DESC LIMIT 1`,
		routeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest session for route %s", routeID)
	}
	return sess, nil
}

// ExpandSession advances an active session to the given search layer and
// stores that layer's candidate batch in one transaction. A failure at either
// step leaves the session at its previous layer with no new rows.
func (s *PostgresStore) ExpandSession(ctx context.Context, sessionID string, layer int, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: expand begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE gap_fill_sessions SET search_layer = $1 WHERE id = $2 AND status = 'active'`,
		layer, sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update search layer %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fault.InvalidStatef("session %s is %s, not active", sessionID, existing.Status)
	}

	var maxRank int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sort_rank), 0) FROM gap_fill_candidates WHERE session_id = $1`,
		sessionID,
	).Scan(&maxRank); err != nil {
		return nil, eris.Wrapf(err, "postgres: max sort rank %s", sessionID)
	}

	out, rows := buildCandidateBatch(sessionID, ranked, maxRank, now)
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"gap_fill_candidates"}, candidateCopyColumns, pgx.CopyFromRows(rows)); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert candidates %s", sessionID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: expand commit")
	}
	return out, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, at time.Time) (*model.GapFillSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE gap_fill_sessions
		 SET status = 'closed', resolution = 'unfilled', resolved_at = $1
		 WHERE id = $2 AND status = 'active'
		 RETURNING `+sessionColumns,
		at, sessionID))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: close session %s", sessionID)
	}
	// The predicate missed: distinguish an unknown session from one that
	// already resolved.
	existing, getErr := s.GetSession(ctx, sessionID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fault.InvalidStatef("session %s is already %s", sessionID, existing.Status)
}

func (s *PostgresStore) SetTechMovedOn(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gap_fill_sessions SET tech_moved_on = true WHERE id = $1`, sessionID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set tech moved on %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("session not found: %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) MarkGapFillAttempted(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET gap_fill_attempted = true WHERE id = $1`, jobID)
	return eris.Wrapf(err, "postgres: mark gap fill attempted %s", jobID)
}

var candidateCopyColumns = []string{
	"id", "session_id", "customer_id", "tier", "tier_reason", "distance_miles",
	"direction_score", "search_layer", "sort_rank", "outreach_status",
	"outreach_note", "contact_method_used", "created_at", "updated_at",
}

func (s *PostgresStore) InsertCandidates(ctx context.Context, sessionID string, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	if len(ranked) == 0 {
		return nil, nil
	}

	var maxRank int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sort_rank), 0) FROM gap_fill_candidates WHERE session_id = $1`,
		sessionID,
	).Scan(&maxRank)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: max sort rank %s", sessionID)
	}

	out, rows := buildCandidateBatch(sessionID, ranked, maxRank, now)
	if _, err := db.CopyFrom(ctx, s.pool, "gap_fill_candidates", candidateCopyColumns, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert candidates %s", sessionID)
	}
	return out, nil
}

// buildCandidateBatch materializes ranked pipeline output into candidate rows
// with sort ranks continuing from maxRank.
func buildCandidateBatch(sessionID string, ranked []model.RankedCandidate, maxRank int, now time.Time) ([]model.GapFillCandidate, [][]any) {
	out := make([]model.GapFillCandidate, 0, len(ranked))
	rows := make([][]any, 0, len(ranked))
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
		out = append(out, c)
		rows = append(rows, []any{
			c.ID, c.SessionID, c.CustomerID, c.Tier, c.TierReason, c.DistanceMiles,
			c.DirectionScore, c.SearchLayer, c.SortRank, string(c.OutreachStatus),
			c.OutreachNote, c.ContactMethodUsed, c.CreatedAt, c.UpdatedAt,
		})
	}
	return out, rows
}

func (s *PostgresStore) ListCandidates(ctx context.Context, sessionID string) ([]model.GapFillCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candidateColumns+` FROM gap_fill_candidates WHERE session_id = $1 ORDER BY sort_rank ASC`,
		sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates %s", sessionID)
	}
	defer rows.Close()

	var out []model.GapFillCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.GapFillCandidate, error) {
	return getCandidate(ctx, s.pool, id)
}

func getCandidate(ctx context.Context, q pgxQueryer, id string) (*model.GapFillCandidate, error) {
	c, err := scanCandidate(q.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM gap_fill_candidates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFoundf("candidate not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get candidate %s", id)
	}
	return c, nil
}

func (s *PostgresStore) CandidateCustomerIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id FROM gap_fill_candidates WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: candidate customer ids %s", sessionID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate customer id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: candidate customer ids iterate")
}

func (s *PostgresStore) UpdateCandidateOutreach(ctx context.Context, u OutreachUpdate) (*model.GapFillCandidate, error) {
	note := ""
	if u.Note != nil {
		note = *u.Note
	}
	method := ""
	if u.ContactMethod != nil {
		method = *u.ContactMethod
	}

	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`UPDATE gap_fill_candidates
		 SET outreach_status = $1,
		     outreach_note = CASE WHEN $2 THEN $3 ELSE outreach_note END,
		     contact_method_used = CASE WHEN $4 THEN $5 ELSE contact_method_used END,
		     contacted_at = COALESCE($6, contacted_at),
		     resolved_at = COALESCE($7, resolved_at),
		     updated_at = $8
		 WHERE id = $9
		 RETURNING `+candidateColumns,
		string(u.Status), u.Note != nil, note, u.ContactMethod != nil, method,
		u.ContactedAt, u.ResolvedAt, u.Now, u.CandidateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFoundf("candidate not found: %s", u.CandidateID)
		}
		return nil, eris.Wrapf(err, "postgres: update candidate outreach %s", u.CandidateID)
	}
	return c, nil
}

func (s *PostgresStore) AppendOutreachLog(ctx context.Context, e model.OutreachLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gap_fill_outreach_log (id, customer_id, session_id, contacted_at, outcome, tier, service_type)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.CustomerID, e.SessionID, e.ContactedAt, e.Outcome, e.Tier, e.ServiceType,
	)
	return eris.Wrap(err, "postgres: append outreach log")
}

func (s *PostgresStore) OutreachCounts(ctx context.Context, weekAgo, monthAgo time.Time) (map[string]model.OutreachCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id,
		        COUNT(*) FILTER (WHERE contacted_at > $1) AS week_count,
		        COUNT(*) FILTER (WHERE contacted_at > $2) AS month_count
		 FROM gap_fill_outreach_log
		 GROUP BY customer_id`,
		weekAgo, monthAgo)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outreach counts")
	}
	defer rows.Close()

	out := map[string]model.OutreachCounts{}
	for rows.Next() {
		var id string
		var c model.OutreachCounts
		if err := rows.Scan(&id, &c.Week, &c.Month); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outreach counts")
		}
		out[id] = c
	}
	return out, eris.Wrap(rows.Err(), "postgres: outreach counts iterate")
}

func (s *PostgresStore) LastContacts(ctx context.Context) (map[string]model.LastContact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (customer_id) customer_id, contacted_at, outcome
		 FROM gap_fill_outreach_log
		 ORDER BY customer_id, contacted_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last contacts")
	}
	defer rows.Close()

	out := map[string]model.LastContact{}
	for rows.Next() {
		var id string
		var lc model.LastContact
		if err := rows.Scan(&id, &lc.ContactedAt, &lc.Outcome); err != nil {
			return nil, eris.Wrap(err, "postgres: scan last contact")
		}
		out[id] = lc
	}
	return out, eris.Wrap(rows.Err(), "postgres: last contacts iterate")
}

func (s *PostgresStore) DeleteRecentOutreach(ctx context.Context, customerID string, since time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM gap_fill_outreach_log WHERE customer_id = $1 AND contacted_at > $2`,
		customerID, since)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete recent outreach %s", customerID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CandidatePool(ctx context.Context, q PoolQuery) ([]model.CandidateCustomer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.first_name, c.full_name, c.address, c.phone, c.email, c.lat, c.lng,
		        c.anytime_access, c.flexible, c.is_recurring, c.panel_count, c.preferred_contact_method,
		        (SELECT j.completed_date FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = $1 AND j.status = 'completed'
		         ORDER BY j.completed_date DESC LIMIT 1) AS last_service_for_type,
		        (SELECT j.scheduled_date FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = $1 AND j.status NOT IN ('completed','cancelled')
		         ORDER BY j.scheduled_date ASC LIMIT 1) AS next_scheduled_for_type,
		        (SELECT j.recurrence_interval FROM jobs j
		         WHERE j.customer_id = c.id AND j.is_recurring = true AND j.job_description = $1
		         ORDER BY j.created_at DESC LIMIT 1) AS recurrence_for_type,
		        (SELECT COUNT(*) FROM jobs j
		         WHERE j.customer_id = c.id AND j.job_description = $1 AND j.status = 'completed') AS completed_count_for_type
		 FROM customers c
		 WHERE c.lat IS NOT NULL AND c.lng IS NOT NULL
		   AND c.lat != 0 AND c.lng != 0
		   AND c.phone != ''
		   AND c.lat BETWEEN $2 AND $3
		   AND c.lng BETWEEN $4 AND $5`,
		q.JobDescription, q.BBox.MinLat, q.BBox.MaxLat, q.BBox.MinLng, q.BBox.MaxLng)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: candidate pool")
	}
	defer rows.Close()

	var out []model.CandidateCustomer
	for rows.Next() {
		var c model.CandidateCustomer
		var lastService, nextScheduled, recurrence *string
		if err := rows.Scan(
			&c.ID, &c.FirstName, &c.FullName, &c.Address, &c.Phone, &c.Email, &c.Lat, &c.Lng,
			&c.AnytimeAccess, &c.Flexible, &c.IsRecurring, &c.PanelCount, &c.PreferredContactMethod,
			&lastService, &nextScheduled, &recurrence, &c.CompletedCountForType,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate pool row")
		}
		c.LastServiceForType = parseDate(lastService)
		c.NextScheduledForType = parseDate(nextScheduled)
		if recurrence != nil {
			c.RecurrenceForType = *recurrence
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: candidate pool iterate")
}

// parseDate converts a nullable YYYY-MM-DD column into a time pointer.
// Unparseable values are treated as absent.
func parseDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *PostgresStore) CustomersByID(ctx context.Context, ids []string) (map[string]model.CandidateCustomer, error) {
	if len(ids) == 0 {
		return map[string]model.CandidateCustomer{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, first_name, full_name, address, phone, email,
		        COALESCE(lat, 0), COALESCE(lng, 0),
		        anytime_access, flexible, is_recurring, panel_count, preferred_contact_method
		 FROM customers WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: customers by id")
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
			return nil, eris.Wrap(err, "postgres: scan customer")
		}
		out[c.ID] = c
	}
	return out, eris.Wrap(rows.Err(), "postgres: customers by id iterate")
}

func (s *PostgresStore) RouteCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return s.customerIDQuery(ctx,
		`SELECT rs.customer_id FROM route_stops rs
		 JOIN routes r ON rs.route_id = r.id
		 WHERE r.scheduled_date = $1`,
		"postgres: route customer ids", date)
}

func (s *PostgresStore) CancelledTodayCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return s.customerIDQuery(ctx,
		`SELECT DISTINCT customer_id FROM jobs WHERE cancelled_at::date = $1::date`,
		"postgres: cancelled today customer ids", date)
}

func (s *PostgresStore) customerIDQuery(ctx context.Context, sql, label string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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

func (s *PostgresStore) SetAnytimeAccess(ctx context.Context, customerID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customers SET anytime_access = $1 WHERE id = $2`,
		enabled, customerID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set anytime access %s", customerID)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("customer not found: %s", customerID)
	}
	return nil
}

func (s *PostgresStore) ConfirmCandidate(ctx context.Context, p ConfirmParams) (*ConfirmResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: confirm begin")
	}
	defer tx.Rollback(ctx)

	res, err := confirmInTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: confirm commit")
	}
	return res, nil
}

func confirmInTx(ctx context.Context, tx pgx.Tx, p ConfirmParams) (*ConfirmResult, error) {
	cand, err := getCandidate(ctx, tx, p.CandidateID)
	if err != nil {
		return nil, err
	}
	if cand.SessionID != p.SessionID {
		return nil, fault.NotFoundf("candidate %s does not belong to session %s", p.CandidateID, p.SessionID)
	}

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM gap_fill_sessions WHERE id = $1`, p.SessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFoundf("session not found: %s", p.SessionID)
		}
		return nil, eris.Wrapf(err, "postgres: confirm get session %s", p.SessionID)
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fault.Conflictf("session %s is no longer active", p.SessionID)
	}

	// Resolve the schedule date the booking guard and new job use. When
	// committing into the live route, the route's own date wins.
	scheduleDate := p.Today
	routeTechnician := ""
	if p.AddToRoute {
		var routeDate string
		err := tx.QueryRow(ctx,
			`SELECT scheduled_date, technician FROM routes WHERE id = $1`, sess.RouteID,
		).Scan(&routeDate, &routeTechnician)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "postgres: confirm get route %s", sess.RouteID)
		}
		if routeDate != "" {
			scheduleDate = routeDate
		}
	}

	// Double-booking guard: check and insert run inside the same transaction.
	var bookedStopID string
	err = tx.QueryRow(ctx,
		`SELECT rs.id FROM route_stops rs
		 JOIN routes r ON rs.route_id = r.id
		 WHERE rs.customer_id = $1 AND r.scheduled_date = $2 AND rs.cancelled = false
		 LIMIT 1`,
		cand.CustomerID, scheduleDate,
	).Scan(&bookedStopID)
	if err == nil {
		return nil, fault.Conflictf("customer %s is already on a route for %s", cand.CustomerID, scheduleDate)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: confirm booking guard")
	}

	// Copy pricing and preferences from the customer's most recent job of
	// this description, falling back to zeros when there is none.
	var prev model.Job
	err = tx.QueryRow(ctx,
		`SELECT panel_count, price, price_per_panel, preferred_days, preferred_time, technician, employee
		 FROM jobs
		 WHERE customer_id = $1 AND job_description = $2
		 ORDER BY COALESCE(completed_date, scheduled_date, created_at::text) DESC
		 LIMIT 1`,
		cand.CustomerID, sess.CancelledJobDescription,
	).Scan(&prev.PanelCount, &prev.Price, &prev.PricePerPanel, &prev.PreferredDays,
		&prev.PreferredTime, &prev.Technician, &prev.Employee)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: confirm previous job")
	}
	if prev.PanelCount == 0 {
		err := tx.QueryRow(ctx,
			`SELECT panel_count FROM customers WHERE id = $1`, cand.CustomerID,
		).Scan(&prev.PanelCount)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(err, "postgres: confirm customer panel count")
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

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, customer_id, job_description, status, panel_count, price, price_per_panel,
		                   preferred_days, preferred_time, technician, employee, notes, is_gap_fill,
		                   scheduled_date, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15)`,
		job.ID, job.CustomerID, job.JobDescription, job.Status, job.PanelCount, job.Price, job.PricePerPanel,
		job.PreferredDays, job.PreferredTime, job.Technician, job.Employee, job.Notes, job.IsGapFill,
		job.ScheduledDate, job.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: confirm insert job")
	}

	var newStop *model.RouteStop
	if p.AddToRoute {
		stopOrder := 999
		stopTime := ""
		err := tx.QueryRow(ctx,
			`SELECT stop_order, scheduled_time FROM route_stops WHERE id = $1`, sess.CancelledStopID,
		).Scan(&stopOrder, &stopTime)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(err, "postgres: confirm cancelled stop")
		}

		stop := model.RouteStop{
			ID:            uuid.New().String(),
			RouteID:       sess.RouteID,
			CustomerID:    cand.CustomerID,
			StopOrder:     stopOrder,
			ScheduledTime: stopTime,
			Notes:         "Gap-fill replacement",
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO route_stops (id, route_id, customer_id, stop_order, scheduled_time, notes)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			stop.ID, stop.RouteID, stop.CustomerID, stop.StopOrder, stop.ScheduledTime, stop.Notes,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: confirm insert stop")
		}
		newStop = &stop

		if _, err := tx.Exec(ctx,
			`UPDATE customers SET status = 'scheduled' WHERE id = $1`, cand.CustomerID,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: confirm update customer")
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE gap_fill_candidates
		 SET outreach_status = 'confirmed', resolved_at = $1, updated_at = $1
		 WHERE id = $2`,
		p.Now, cand.ID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: confirm update candidate")
	}

	// Optimistic predicate: a racing confirmation already flipped the
	// session to filled, so this update touches zero rows and we abort.
	tag, err := tx.Exec(ctx,
		`UPDATE gap_fill_sessions
		 SET status = 'filled', resolution = 'confirmed', resolved_at = $1,
		     confirmed_customer_id = $2, confirmed_candidate_id = $3
		 WHERE id = $4 AND status = 'active'`,
		p.Now, cand.CustomerID, cand.ID, p.SessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: confirm update session")
	}
	if tag.RowsAffected() == 0 {
		return nil, fault.Conflictf("session %s was resolved by a concurrent confirmation", p.SessionID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO gap_fill_outreach_log (id, customer_id, session_id, contacted_at, outcome, tier, service_type)
		 VALUES ($1,$2,$3,$4,'confirmed',$5,$6)`,
		uuid.New().String(), cand.CustomerID, sess.ID, p.Now, cand.Tier, sess.CancelledJobDescription,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: confirm append log")
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

func (s *PostgresStore) Stats(ctx context.Context) (*model.GapFillStats, error) {
	stats := &model.GapFillStats{TierSuccess: map[int]model.TierOutcomes{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE resolution = 'confirmed')
		 FROM gap_fill_sessions`,
	).Scan(&stats.TotalSessions, &stats.FilledSessions)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats sessions")
	}
	if stats.TotalSessions > 0 {
		stats.FillRatePct = int(float64(stats.FilledSessions)/float64(stats.TotalSessions)*100 + 0.5)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tier, outcome, COUNT(*)
		 FROM gap_fill_outreach_log
		 GROUP BY tier, outcome
		 ORDER BY tier, outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats tiers")
	}
	defer rows.Close()

	for rows.Next() {
		var tier, count int
		var outcome string
		if err := rows.Scan(&tier, &outcome, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tier stats")
		}
		t := stats.TierSuccess[tier]
		t.Total += count
		if outcome == "confirmed" {
			t.Confirmed += count
		}
		stats.TierSuccess[tier] = t
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats tiers iterate")
	}

	for tier, t := range stats.TierSuccess {
		if t.Total > 0 {
			t.RatePct = int(float64(t.Confirmed)/float64(t.Total)*100 + 0.5)
		}
		stats.TierSuccess[tier] = t
	}
	return stats, nil
}
