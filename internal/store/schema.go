package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// SchemaStore persists jobs, applications, forms and versioned field
// schemas.
type SchemaStore struct {
	db *DB
}

func NewSchemaStore(db *DB) *SchemaStore {
	return &SchemaStore{db: db}
}

func (s *SchemaStore) CreateJob(ctx context.Context, j domain.Job) error {
	_, err := s.db.exec(ctx, s.db.sql, "INSERT INTO jobs (id, title, description, created_at) VALUES (?, ?, ?, ?)",
		j.ID, j.Title, j.Description, toMillis(j.CreatedAt))
	return classify("store.createJob", err)
}

func (s *SchemaStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var (
		j       domain.Job
		created int64
	)
	err := s.db.queryRow(ctx, s.db.sql, "SELECT id, title, description, created_at FROM jobs WHERE id = ?", id).
		Scan(&j.ID, &j.Title, &j.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.getJob", "job", id)
	}
	if err != nil {
		return nil, classify("store.getJob", err)
	}
	j.CreatedAt = fromMillis(created)
	return &j, nil
}

func (s *SchemaStore) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.query(ctx, s.db.sql, "SELECT id, title, description, created_at FROM jobs ORDER BY created_at, id")
	if err != nil {
		return nil, classify("store.listJobs", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var (
			j       domain.Job
			created int64
		)
		if err := rows.Scan(&j.ID, &j.Title, &j.Description, &created); err != nil {
			return nil, err
		}
		j.CreatedAt = fromMillis(created)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SchemaStore) CreateApplication(ctx context.Context, a domain.Application) error {
	_, err := s.db.exec(ctx, s.db.sql,
		"INSERT INTO applications (id, job_id, candidate_name, email, created_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.JobID, a.CandidateName, a.Email, toMillis(a.CreatedAt))
	return classify("store.createApplication", err)
}

func (s *SchemaStore) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	var (
		a       domain.Application
		created int64
	)
	err := s.db.queryRow(ctx, s.db.sql,
		"SELECT id, job_id, candidate_name, email, created_at FROM applications WHERE id = ?", id).
		Scan(&a.ID, &a.JobID, &a.CandidateName, &a.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.getApplication", "application", id)
	}
	if err != nil {
		return nil, classify("store.getApplication", err)
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func (s *SchemaStore) CreateForm(ctx context.Context, f domain.Form) error {
	_, err := s.db.exec(ctx, s.db.sql,
		"INSERT INTO forms (id, title, description, soft_cap, hard_cap, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		f.ID, f.Title, f.Description, nullInt(f.SoftCap), nullInt(f.HardCap), toMillis(f.CreatedAt))
	return classify("store.createForm", err)
}

func (s *SchemaStore) GetForm(ctx context.Context, id string) (*domain.Form, error) {
	var (
		f                domain.Form
		softCap, hardCap sql.NullInt64
		created          int64
	)
	err := s.db.queryRow(ctx, s.db.sql,
		"SELECT id, title, description, soft_cap, hard_cap, created_at FROM forms WHERE id = ?", id).
		Scan(&f.ID, &f.Title, &f.Description, &softCap, &hardCap, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.getForm", "form", id)
	}
	if err != nil {
		return nil, classify("store.getForm", err)
	}
	f.SoftCap, f.HardCap = intFromNull(softCap), intFromNull(hardCap)
	f.CreatedAt = fromMillis(created)
	return &f, nil
}

// CreateSchemaVersion inserts a draft schema version. A zero Version is
// numbered after the owner's latest.
func (s *SchemaStore) CreateSchemaVersion(ctx context.Context, v *domain.SchemaVersion) error {
	const op = "store.createSchemaVersion"
	return classify(op, s.db.withTx(ctx, func(tx *sql.Tx) error {
		if v.Version == 0 {
			if err := s.db.queryRow(ctx, tx,
				"SELECT COALESCE(MAX(version), 0) + 1 FROM schema_versions WHERE owner_kind = ? AND owner_id = ?",
				string(v.OwnerKind), v.OwnerID).Scan(&v.Version); err != nil {
				return err
			}
		}
		v.Status = domain.SchemaDraft
		_, err := s.db.exec(ctx, tx, `INSERT INTO schema_versions (id, owner_kind, owner_id, version, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, string(v.OwnerKind), v.OwnerID, v.Version, string(v.Status), toMillis(v.CreatedAt))
		return err
	}))
}

func (s *SchemaStore) GetSchemaVersion(ctx context.Context, id string) (*domain.SchemaVersion, error) {
	var (
		v        domain.SchemaVersion
		created  int64
		approved sql.NullInt64
	)
	err := s.db.queryRow(ctx, s.db.sql, `SELECT id, owner_kind, owner_id, version, status, created_at, approved_at
		FROM schema_versions WHERE id = ?`, id).
		Scan(&v.ID, &v.OwnerKind, &v.OwnerID, &v.Version, &v.Status, &created, &approved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.getSchemaVersion", "schema version", id)
	}
	if err != nil {
		return nil, classify("store.getSchemaVersion", err)
	}
	v.CreatedAt = fromMillis(created)
	v.ApprovedAt = timeFromNull(approved)
	return &v, nil
}

// FieldDefinition is a field with the facts and topics defined for it.
type FieldDefinition struct {
	Field  domain.Field
	Facts  []domain.FactDefinition
	Topics []domain.ProhibitedTopic
}

// AddField adds a field and its facts to a draft schema version.
func (s *SchemaStore) AddField(ctx context.Context, def FieldDefinition) error {
	const op = "store.addField"
	f := def.Field
	return classify(op, s.db.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := s.db.queryRow(ctx, tx, "SELECT status FROM schema_versions WHERE id = ?", f.SchemaVersionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(op, "schema version", f.SchemaVersionID)
		}
		if err != nil {
			return err
		}
		if domain.SchemaStatus(status) != domain.SchemaDraft {
			return domain.Errorf(domain.KindInvalid, op, "schema version %s is approved and immutable", f.SchemaVersionID)
		}

		if _, err := s.db.exec(ctx, tx, `INSERT INTO fields (id, schema_version_id, label, intent, required, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			f.ID, f.SchemaVersionID, f.Label, f.Intent, f.Required, f.Position); err != nil {
			return err
		}
		for _, fd := range def.Facts {
			if _, err := s.db.exec(ctx, tx, `INSERT INTO fact_definitions
				(id, schema_version_id, field_id, fact, done_criteria, questioning_hints, position)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				fd.ID, f.SchemaVersionID, f.ID, fd.Fact, fd.DoneCriteria, fd.QuestioningHints, fd.Position); err != nil {
				return err
			}
		}
		for _, t := range def.Topics {
			if _, err := s.db.exec(ctx, tx, "INSERT INTO field_prohibited_topics (id, field_id, topic) VALUES (?, ?, ?)",
				t.ID, f.ID, t.Topic); err != nil {
				return err
			}
		}
		return nil
	}))
}

// ApproveSchemaVersion freezes a draft schema version.
func (s *SchemaStore) ApproveSchemaVersion(ctx context.Context, id string, now time.Time) error {
	const op = "store.approveSchemaVersion"
	res, err := s.db.exec(ctx, s.db.sql, "UPDATE schema_versions SET status = ?, approved_at = ? WHERE id = ? AND status = ?",
		string(domain.SchemaApproved), toMillis(now), id, string(domain.SchemaDraft))
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSchemaVersion(ctx, id); err != nil {
			return err
		}
		return domain.Errorf(domain.KindInvalid, op, "schema version %s is already approved", id)
	}
	return nil
}

// Fields returns a schema version's fields in position order.
func (s *SchemaStore) Fields(ctx context.Context, schemaVersionID string) ([]domain.Field, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id, schema_version_id, label, intent, required, position
		FROM fields WHERE schema_version_id = ? ORDER BY position, id`, schemaVersionID)
	if err != nil {
		return nil, classify("store.fields", err)
	}
	defer rows.Close()
	var out []domain.Field
	for rows.Next() {
		var f domain.Field
		if err := rows.Scan(&f.ID, &f.SchemaVersionID, &f.Label, &f.Intent, &f.Required, &f.Position); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Facts returns a schema version's fact definitions ordered by field
// position, then fact position.
func (s *SchemaStore) Facts(ctx context.Context, schemaVersionID string) ([]domain.FactDefinition, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT fd.id, fd.schema_version_id, fd.field_id, fd.fact, fd.done_criteria,
			fd.questioning_hints, fd.position
		FROM fact_definitions fd JOIN fields f ON f.id = fd.field_id
		WHERE fd.schema_version_id = ?
		ORDER BY f.position, f.id, fd.position, fd.id`, schemaVersionID)
	if err != nil {
		return nil, classify("store.facts", err)
	}
	defer rows.Close()
	var out []domain.FactDefinition
	for rows.Next() {
		var fd domain.FactDefinition
		if err := rows.Scan(&fd.ID, &fd.SchemaVersionID, &fd.FieldID, &fd.Fact, &fd.DoneCriteria,
			&fd.QuestioningHints, &fd.Position); err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// Topics returns the prohibited topics of every field in a schema version.
func (s *SchemaStore) Topics(ctx context.Context, schemaVersionID string) ([]domain.ProhibitedTopic, error) {
	rows, err := s.db.query(ctx, s.db.sql, `SELECT t.id, t.field_id, t.topic
		FROM field_prohibited_topics t JOIN fields f ON f.id = t.field_id
		WHERE f.schema_version_id = ?
		ORDER BY f.position, t.id`, schemaVersionID)
	if err != nil {
		return nil, classify("store.topics", err)
	}
	defer rows.Close()
	var out []domain.ProhibitedTopic
	for rows.Next() {
		var t domain.ProhibitedTopic
		if err := rows.Scan(&t.ID, &t.FieldID, &t.Topic); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
