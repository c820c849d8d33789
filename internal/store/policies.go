package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// PolicyStore persists review policy versions with their signals and
// prohibited topics.
type PolicyStore struct {
	db *DB
}

func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = `id, job_id, version, status, soft_cap, hard_cap,
	review_fail_threshold, extraction_fail_threshold, timeout_threshold,
	created_at, confirmed_at, published_at`

func scanPolicy(r rowScanner) (*domain.PolicyVersion, error) {
	var (
		v                           domain.PolicyVersion
		softCap, hardCap            sql.NullInt64
		reviewTh, extractTh, timeTh sql.NullInt64
		created                     int64
		confirmed, published        sql.NullInt64
	)
	if err := r.Scan(&v.ID, &v.JobID, &v.Version, &v.Status, &softCap, &hardCap,
		&reviewTh, &extractTh, &timeTh, &created, &confirmed, &published); err != nil {
		return nil, err
	}
	v.SoftCap, v.HardCap = intFromNull(softCap), intFromNull(hardCap)
	v.ReviewFailThreshold = intFromNull(reviewTh)
	v.ExtractionFailThreshold = intFromNull(extractTh)
	v.TimeoutThreshold = intFromNull(timeTh)
	v.CreatedAt = fromMillis(created)
	v.ConfirmedAt, v.PublishedAt = timeFromNull(confirmed), timeFromNull(published)
	return &v, nil
}

// CreatePolicyVersion inserts v as the job's next version number.
func (s *PolicyStore) CreatePolicyVersion(ctx context.Context, v *domain.PolicyVersion) error {
	const op = "store.createPolicyVersion"
	return classify(op, s.db.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.db.queryRow(ctx, tx, "SELECT COALESCE(MAX(version), 0) + 1 FROM policy_versions WHERE job_id = ?", v.JobID).
			Scan(&v.Version); err != nil {
			return err
		}
		if _, err := s.db.exec(ctx, tx, `INSERT INTO policy_versions (`+policyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.JobID, v.Version, string(v.Status), nullInt(v.SoftCap), nullInt(v.HardCap),
			nullInt(v.ReviewFailThreshold), nullInt(v.ExtractionFailThreshold), nullInt(v.TimeoutThreshold),
			toMillis(v.CreatedAt), nullMillis(v.ConfirmedAt), nullMillis(v.PublishedAt)); err != nil {
			return err
		}
		return s.writeChildren(ctx, tx, v)
	}))
}

// GetPolicyVersion loads a version with its signals and topics.
func (s *PolicyStore) GetPolicyVersion(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	return s.get(ctx, s.db.sql, id)
}

func (s *PolicyStore) get(ctx context.Context, q querier, id string) (*domain.PolicyVersion, error) {
	const op = "store.getPolicyVersion"
	v, err := scanPolicy(s.db.queryRow(ctx, q, "SELECT "+policyColumns+" FROM policy_versions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "policy version", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if err := s.loadChildren(ctx, q, v); err != nil {
		return nil, classify(op, err)
	}
	return v, nil
}

// ListPolicyVersions returns a job's versions, oldest first.
func (s *PolicyStore) ListPolicyVersions(ctx context.Context, jobID string) ([]domain.PolicyVersion, error) {
	rows, err := s.db.query(ctx, s.db.sql, "SELECT "+policyColumns+" FROM policy_versions WHERE job_id = ? ORDER BY version", jobID)
	if err != nil {
		return nil, classify("store.listPolicyVersions", err)
	}
	var out []domain.PolicyVersion
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadChildren(ctx, s.db.sql, &out[i]); err != nil {
			return nil, classify("store.listPolicyVersions", err)
		}
	}
	return out, nil
}

// PublishedPolicyVersion returns the job's published version, or a
// NotFound error if none is published.
func (s *PolicyStore) PublishedPolicyVersion(ctx context.Context, jobID string) (*domain.PolicyVersion, error) {
	v, err := s.published(ctx, s.db.sql, jobID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, domain.Errorf(domain.KindNotFound, "store.publishedPolicyVersion", "job %s has no published policy", jobID)
	}
	return v, nil
}

func (s *PolicyStore) published(ctx context.Context, q querier, jobID string) (*domain.PolicyVersion, error) {
	var id string
	err := s.db.queryRow(ctx, q, "SELECT id FROM policy_versions WHERE job_id = ? AND status = ?",
		jobID, string(domain.PolicyPublished)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("store.publishedPolicyVersion", err)
	}
	return s.get(ctx, q, id)
}

// UpdatePolicyVersion loads a version and its job's published version in
// one transaction, lets fn modify the former, and saves it.
func (s *PolicyStore) UpdatePolicyVersion(ctx context.Context, id string, fn func(v, published *domain.PolicyVersion) error) (*domain.PolicyVersion, error) {
	const op = "store.updatePolicyVersion"
	var out *domain.PolicyVersion
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		published, err := s.published(ctx, tx, v.JobID)
		if err != nil {
			return err
		}
		if err := fn(v, published); err != nil {
			return err
		}
		if _, err := s.db.exec(ctx, tx, `UPDATE policy_versions SET
				status = ?, soft_cap = ?, hard_cap = ?,
				review_fail_threshold = ?, extraction_fail_threshold = ?, timeout_threshold = ?,
				confirmed_at = ?, published_at = ?
			WHERE id = ?`,
			string(v.Status), nullInt(v.SoftCap), nullInt(v.HardCap),
			nullInt(v.ReviewFailThreshold), nullInt(v.ExtractionFailThreshold), nullInt(v.TimeoutThreshold),
			nullMillis(v.ConfirmedAt), nullMillis(v.PublishedAt), v.ID); err != nil {
			if isUniqueViolation(err) {
				return domain.Errorf(domain.KindPolicyState, op, "job %s already has a published policy version", v.JobID)
			}
			return err
		}
		if _, err := s.db.exec(ctx, tx, "DELETE FROM policy_signals WHERE policy_version_id = ?", v.ID); err != nil {
			return err
		}
		if _, err := s.db.exec(ctx, tx, "DELETE FROM policy_prohibited_topics WHERE policy_version_id = ?", v.ID); err != nil {
			return err
		}
		if err := s.writeChildren(ctx, tx, v); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *PolicyStore) writeChildren(ctx context.Context, tx *sql.Tx, v *domain.PolicyVersion) error {
	for _, sig := range v.Signals {
		if _, err := s.db.exec(ctx, tx, `INSERT INTO policy_signals (id, policy_version_id, key, label, priority, category, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sig.ID, v.ID, sig.Key, sig.Label, string(sig.Priority), sig.Category, sig.Position); err != nil {
			return err
		}
	}
	for _, t := range v.ProhibitedTopics {
		if _, err := s.db.exec(ctx, tx, `INSERT INTO policy_prohibited_topics (id, policy_version_id, topic, position)
			VALUES (?, ?, ?, ?)`, t.ID, v.ID, t.Topic, t.Position); err != nil {
			return err
		}
	}
	return nil
}

func (s *PolicyStore) loadChildren(ctx context.Context, q querier, v *domain.PolicyVersion) error {
	v.Signals = []domain.Signal{}
	v.ProhibitedTopics = []domain.PolicyTopic{}

	rows, err := s.db.query(ctx, q, `SELECT id, key, label, priority, category, position
		FROM policy_signals WHERE policy_version_id = ? ORDER BY position`, v.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var sig domain.Signal
		if err := rows.Scan(&sig.ID, &sig.Key, &sig.Label, &sig.Priority, &sig.Category, &sig.Position); err != nil {
			rows.Close()
			return err
		}
		v.Signals = append(v.Signals, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.query(ctx, q, `SELECT id, topic, position
		FROM policy_prohibited_topics WHERE policy_version_id = ? ORDER BY position`, v.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.PolicyTopic
		if err := rows.Scan(&t.ID, &t.Topic, &t.Position); err != nil {
			return err
		}
		v.ProhibitedTopics = append(v.ProhibitedTopics, t)
	}
	return rows.Err()
}
