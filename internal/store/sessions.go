package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// Commit is one atomic write to a session: its new snapshot plus the rows
// the change produced.
type Commit struct {
	// Session is the new snapshot. Its Version must equal the stored
	// version the change was computed from.
	Session  domain.Session
	Todos    []domain.Todo
	Messages []domain.Message
	Entries  []domain.ToolCallLog
	// Lease, when set, must be the turn lease held on the session. Any
	// held lease is released by a successful commit.
	Lease string
}

// SessionStore persists sessions and everything they own.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store on db.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `id, kind, application_id, job_id, form_id, schema_version_id, policy_version_id,
	status, bootstrap_completed, current_agent, plan_schema_version, plan_data,
	turn_count, soft_cap, hard_cap, soft_capped_at, hard_capped_at,
	review_fail_streak, extraction_fail_streak, timeout_streak,
	review_fail_threshold, extraction_fail_threshold, timeout_threshold,
	fallback_signaled, last_sequence, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*domain.Session, error) {
	var (
		s                           domain.Session
		appID, jobID, formID, polID sql.NullString
		softCap, hardCap            sql.NullInt64
		softAt, hardAt              sql.NullInt64
		createdAt, updatedAt        int64
		planData                    []byte
	)
	err := r.Scan(
		&s.ID, &s.Kind, &appID, &jobID, &formID, &s.SchemaVersionID, &polID,
		&s.Status, &s.BootstrapCompleted, &s.CurrentAgent, &s.Plan.SchemaVersion, &planData,
		&s.TurnCount, &softCap, &hardCap, &softAt, &hardAt,
		&s.ReviewFailStreak, &s.ExtractionFailStreak, &s.TimeoutStreak,
		&s.Thresholds.ReviewFail, &s.Thresholds.ExtractionFail, &s.Thresholds.Timeout,
		&s.FallbackSignaled, &s.LastSequence, &s.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ApplicationID, s.JobID, s.FormID, s.PolicyVersionID = appID.String, jobID.String, formID.String, polID.String
	if len(planData) > 0 {
		s.Plan.Data = planData
	}
	s.SoftCap, s.HardCap = intFromNull(softCap), intFromNull(hardCap)
	s.SoftCappedAt, s.HardCappedAt = timeFromNull(softAt), timeFromNull(hardAt)
	s.CreatedAt, s.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &s, nil
}

// Create inserts a new session together with its seed rows.
func (s *SessionStore) Create(ctx context.Context, c Commit) error {
	const op = "store.createSession"
	if _, _, err := c.Session.Parent(); err != nil {
		return err
	}
	return classify(op, s.db.withTx(ctx, func(tx *sql.Tx) error {
		sess := c.Session
		_, err := s.db.exec(ctx, tx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			sess.ID, string(sess.Kind), nullString(sess.ApplicationID), nullString(sess.JobID), nullString(sess.FormID),
			sess.SchemaVersionID, nullString(sess.PolicyVersionID),
			string(sess.Status), sess.BootstrapCompleted, string(sess.CurrentAgent), sess.Plan.SchemaVersion, sess.Plan.Data,
			sess.TurnCount, nullInt(sess.SoftCap), nullInt(sess.HardCap), nullMillis(sess.SoftCappedAt), nullMillis(sess.HardCappedAt),
			sess.ReviewFailStreak, sess.ExtractionFailStreak, sess.TimeoutStreak,
			sess.Thresholds.ReviewFail, sess.Thresholds.ExtractionFail, sess.Thresholds.Timeout,
			sess.FallbackSignaled, sess.LastSequence, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
		)
		if err != nil {
			return err
		}
		return s.writeRows(ctx, tx, c)
	}))
}

// Get returns a session snapshot.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.queryRow(ctx, s.db.sql, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("store.getSession", "session", id)
	}
	if err != nil {
		return nil, classify("store.getSession", err)
	}
	return sess, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status domain.SessionStatus
	Limit  int
}

// List returns sessions, most recently updated first.
func (s *SessionStore) List(ctx context.Context, f ListFilter) ([]domain.Session, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY updated_at DESC, id LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.query(ctx, s.db.sql, query, args...)
	if err != nil {
		return nil, classify("store.listSessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Idle returns active sessions not updated since before, oldest first.
// Sessions with an unexpired turn lease are skipped.
func (s *SessionStore) Idle(ctx context.Context, before, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id FROM sessions
		WHERE status = ? AND updated_at < ? AND (lease_token IS NULL OR lease_expires_at < ?)
		ORDER BY updated_at LIMIT ?`,
		string(domain.StatusActive), toMillis(before), toMillis(now), limit)
	if err != nil {
		return nil, classify("store.idleSessions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a session; its messages, todos and log go with it.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.exec(ctx, s.db.sql, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return classify("store.deleteSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.deleteSession", "session", id)
	}
	return nil
}

// ClaimTurn takes the per-session turn lease until the given time. It
// fails with a conflict while another unexpired lease is held, and with
// InvalidTransition if the session is not active.
func (s *SessionStore) ClaimTurn(ctx context.Context, id, token string, now, until time.Time) error {
	const op = "store.claimTurn"
	res, err := s.db.exec(ctx, s.db.sql, `UPDATE sessions SET lease_token = ?, lease_expires_at = ?
		WHERE id = ? AND status = ? AND (lease_token IS NULL OR lease_expires_at < ?)`,
		token, toMillis(until), id, string(domain.StatusActive), toMillis(now))
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusActive {
		return &domain.Error{Kind: domain.KindInvalidTransition, Op: op, SessionID: id, Msg: "session is " + string(sess.Status)}
	}
	return &domain.Error{Kind: domain.KindConcurrencyConflict, Op: op, SessionID: id, Msg: "another turn is in flight"}
}

// ReleaseTurn drops the lease if token still holds it.
func (s *SessionStore) ReleaseTurn(ctx context.Context, id, token string) error {
	_, err := s.db.exec(ctx, s.db.sql,
		"UPDATE sessions SET lease_token = NULL, lease_expires_at = NULL WHERE id = ? AND lease_token = ?", id, token)
	return classify("store.releaseTurn", err)
}

// Commit writes a session change atomically. It fails with a conflict if
// the stored version moved or another writer holds the turn lease. On
// success the session's version is incremented and returned.
func (s *SessionStore) Commit(ctx context.Context, c Commit, now time.Time) (int64, error) {
	const op = "store.commit"
	sess := c.Session
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.db.exec(ctx, tx, `UPDATE sessions SET
				status = ?, bootstrap_completed = ?, current_agent = ?, plan_schema_version = ?, plan_data = ?,
				turn_count = ?, soft_capped_at = ?, hard_capped_at = ?,
				review_fail_streak = ?, extraction_fail_streak = ?, timeout_streak = ?,
				fallback_signaled = ?, last_sequence = ?, updated_at = ?,
				version = version + 1, lease_token = NULL, lease_expires_at = NULL
			WHERE id = ? AND version = ?
				AND (lease_token IS NULL OR lease_token = ? OR lease_expires_at < ?)`,
			string(sess.Status), sess.BootstrapCompleted, string(sess.CurrentAgent), sess.Plan.SchemaVersion, sess.Plan.Data,
			sess.TurnCount, nullMillis(sess.SoftCappedAt), nullMillis(sess.HardCappedAt),
			sess.ReviewFailStreak, sess.ExtractionFailStreak, sess.TimeoutStreak,
			sess.FallbackSignaled, sess.LastSequence, toMillis(sess.UpdatedAt),
			sess.ID, sess.Version, c.Lease, toMillis(now),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &domain.Error{Kind: domain.KindConcurrencyConflict, Op: op, SessionID: sess.ID,
				Msg: fmt.Sprintf("session changed since version %d", sess.Version)}
		}
		return s.writeRows(ctx, tx, c)
	})
	if err != nil {
		return 0, domain.WithSession(classify(op, err), sess.ID)
	}
	return sess.Version + 1, nil
}

func (s *SessionStore) writeRows(ctx context.Context, tx *sql.Tx, c Commit) error {
	for _, e := range c.Entries {
		if _, err := s.db.exec(ctx, tx, `INSERT INTO tool_call_logs
				(id, session_id, sequence, agent, tool_name, args, result, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Sequence, string(e.Agent), e.ToolName, string(e.Args), rawOrNull(e.Result), toMillis(e.CreatedAt),
		); err != nil {
			return err
		}
	}
	for _, t := range c.Todos {
		if _, err := s.db.exec(ctx, tx, `INSERT INTO todos
				(id, session_id, fact_definition_id, field_id, position, required, status, candidate, extracted_value, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					status = excluded.status,
					candidate = excluded.candidate,
					extracted_value = excluded.extracted_value,
					updated_at = excluded.updated_at`,
			t.ID, t.SessionID, t.FactDefinitionID, t.FieldID, t.Position, t.Required, string(t.Status),
			nullString(t.Candidate), nullString(t.ExtractedValue), toMillis(t.UpdatedAt),
		); err != nil {
			return err
		}
	}
	for _, m := range c.Messages {
		if _, err := s.db.exec(ctx, tx, `INSERT INTO messages
				(id, session_id, seq, role, content, target_field_id, review_passed, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Seq, string(m.Role), m.Content, nullString(m.TargetFieldID), nullBool(m.ReviewPassed), toMillis(m.CreatedAt),
		); err != nil {
			return err
		}
	}
	return nil
}

func rawOrNull(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Todos returns a session's todos in position order.
func (s *SessionStore) Todos(ctx context.Context, sessionID string) ([]domain.Todo, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id, session_id, fact_definition_id, field_id, position, required,
			status, candidate, extracted_value, updated_at
		FROM todos WHERE session_id = ? ORDER BY position, id`, sessionID)
	if err != nil {
		return nil, classify("store.todos", err)
	}
	defer rows.Close()

	var out []domain.Todo
	for rows.Next() {
		var (
			t         domain.Todo
			candidate sql.NullString
			value     sql.NullString
			updated   int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.FactDefinitionID, &t.FieldID, &t.Position, &t.Required,
			&t.Status, &candidate, &value, &updated); err != nil {
			return nil, err
		}
		t.Candidate = candidate.String
		t.ExtractedValue = value.String
		t.UpdatedAt = fromMillis(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Messages returns a session's transcript in order.
func (s *SessionStore) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id, session_id, seq, role, content, target_field_id, review_passed, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, classify("store.messages", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m       domain.Message
			target  sql.NullString
			review  sql.NullBool
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &target, &review, &created); err != nil {
			return nil, err
		}
		m.TargetFieldID = target.String
		m.ReviewPassed = boolFromNull(review)
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Log returns a session's event log ordered by sequence.
func (s *SessionStore) Log(ctx context.Context, sessionID string) ([]domain.ToolCallLog, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id, session_id, sequence, agent, tool_name, args, result, created_at
		FROM tool_call_logs WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, classify("store.log", err)
	}
	defer rows.Close()

	var out []domain.ToolCallLog
	for rows.Next() {
		var (
			e       domain.ToolCallLog
			args    string
			result  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Agent, &e.ToolName, &args, &result, &created); err != nil {
			return nil, err
		}
		e.Args = json.RawMessage(args)
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
