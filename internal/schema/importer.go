package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/logging"
	"github.com/marromugi/gch4-sub003/internal/store"
)

// Writer is the subset of the schema store the importer needs.
type Writer interface {
	CreateJob(ctx context.Context, j domain.Job) error
	CreateApplication(ctx context.Context, a domain.Application) error
	CreateForm(ctx context.Context, f domain.Form) error
	CreateSchemaVersion(ctx context.Context, v *domain.SchemaVersion) error
	AddField(ctx context.Context, def store.FieldDefinition) error
	ApproveSchemaVersion(ctx context.Context, id string, now time.Time) error
}

var _ Writer = (*store.SchemaStore)(nil)

// Result lists the IDs created by an import, in document order.
type Result struct {
	Jobs           []string         `json:"jobs"`
	Applications   []string         `json:"applications"`
	Forms          []string         `json:"forms"`
	SchemaVersions []ImportedSchema `json:"schemaVersions"`
}

type ImportedSchema struct {
	ID       string              `json:"id"`
	Version  int                 `json:"version"`
	Status   domain.SchemaStatus `json:"status"`
	Fields   int                 `json:"fields"`
	Facts    int                 `json:"facts"`
	OwnerRef string              `json:"owner"`
}

// Importer writes documents through a Writer.
type Importer struct {
	w     Writer
	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

// NewImporter creates an importer.
func NewImporter(w Writer, log *logging.Logger) *Importer {
	return &Importer{
		w:     w,
		log:   log.Sub("schema"),
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID: uuid.NewString,
	}
}

// Import writes doc entity by entity. Entries without an ID get a
// generated one. It stops at the first failure; earlier entries stay.
func (im *Importer) Import(ctx context.Context, doc *Document) (*Result, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	now := im.now()
	res := &Result{Jobs: []string{}, Applications: []string{}, Forms: []string{}, SchemaVersions: []ImportedSchema{}}

	for _, j := range doc.Jobs {
		job := domain.Job{ID: im.id(j.ID), Title: j.Title, Description: j.Description, CreatedAt: now}
		if err := im.w.CreateJob(ctx, job); err != nil {
			return res, fmt.Errorf("job %s: %w", job.ID, err)
		}
		res.Jobs = append(res.Jobs, job.ID)
	}
	for _, a := range doc.Applications {
		app := domain.Application{ID: im.id(a.ID), JobID: a.JobID, CandidateName: a.CandidateName, Email: a.Email, CreatedAt: now}
		if err := im.w.CreateApplication(ctx, app); err != nil {
			return res, fmt.Errorf("application %s: %w", app.ID, err)
		}
		res.Applications = append(res.Applications, app.ID)
	}
	for _, f := range doc.Forms {
		form := domain.Form{ID: im.id(f.ID), Title: f.Title, Description: f.Description, SoftCap: f.SoftCap, HardCap: f.HardCap, CreatedAt: now}
		if err := im.w.CreateForm(ctx, form); err != nil {
			return res, fmt.Errorf("form %s: %w", form.ID, err)
		}
		res.Forms = append(res.Forms, form.ID)
	}
	for _, s := range doc.Schemas {
		imported, err := im.importSchema(ctx, s, now)
		if err != nil {
			return res, err
		}
		res.SchemaVersions = append(res.SchemaVersions, *imported)
	}

	im.log.Info().
		Int("jobs", len(res.Jobs)).
		Int("applications", len(res.Applications)).
		Int("forms", len(res.Forms)).
		Int("schemaVersions", len(res.SchemaVersions)).
		Msg("schema document imported")
	return res, nil
}

func (im *Importer) importSchema(ctx context.Context, s Schema, now time.Time) (*ImportedSchema, error) {
	sv := &domain.SchemaVersion{
		ID:        im.id(s.ID),
		OwnerKind: domain.ParentKind(s.Owner.Kind),
		OwnerID:   s.Owner.ID,
		CreatedAt: now,
	}
	if err := im.w.CreateSchemaVersion(ctx, sv); err != nil {
		return nil, fmt.Errorf("schema version %s: %w", sv.ID, err)
	}

	out := &ImportedSchema{ID: sv.ID, Version: sv.Version, Status: domain.SchemaDraft, OwnerRef: s.Owner.Kind + "/" + s.Owner.ID}
	for i, f := range s.Fields {
		def := store.FieldDefinition{Field: domain.Field{
			ID:              im.id(f.ID),
			SchemaVersionID: sv.ID,
			Label:           f.Label,
			Intent:          f.Intent,
			Required:        f.Required,
			Position:        i,
		}}
		for j, fact := range f.Facts {
			def.Facts = append(def.Facts, domain.FactDefinition{
				ID:               im.id(fact.ID),
				Fact:             fact.Fact,
				DoneCriteria:     fact.DoneCriteria,
				QuestioningHints: fact.QuestioningHints,
				Position:         j,
			})
		}
		for _, topic := range f.ProhibitedTopics {
			def.Topics = append(def.Topics, domain.ProhibitedTopic{ID: im.newID(), Topic: topic})
		}
		if err := im.w.AddField(ctx, def); err != nil {
			return nil, fmt.Errorf("schema version %s field %q: %w", sv.ID, f.Label, err)
		}
		out.Fields++
		out.Facts += len(def.Facts)
	}

	if s.Approve {
		if err := im.w.ApproveSchemaVersion(ctx, sv.ID, now); err != nil {
			return nil, fmt.Errorf("approving schema version %s: %w", sv.ID, err)
		}
		out.Status = domain.SchemaApproved
	}
	return out, nil
}

func (im *Importer) id(given string) string {
	if given != "" {
		return given
	}
	return im.newID()
}
