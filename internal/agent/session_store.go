package agent

import (
	"context"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/store"
)

// SessionStore persists session snapshots, their rows, and the event log.
type SessionStore interface {
	Create(ctx context.Context, c store.Commit) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context, f store.ListFilter) ([]domain.Session, error)
	ClaimTurn(ctx context.Context, id, token string, now, until time.Time) error
	ReleaseTurn(ctx context.Context, id, token string) error
	Commit(ctx context.Context, c store.Commit, now time.Time) (int64, error)
	Todos(ctx context.Context, sessionID string) ([]domain.Todo, error)
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)
	Log(ctx context.Context, sessionID string) ([]domain.ToolCallLog, error)
}

// SchemaReader reads the parent entities and approved schema content a
// session is built from.
type SchemaReader interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetApplication(ctx context.Context, id string) (*domain.Application, error)
	GetForm(ctx context.Context, id string) (*domain.Form, error)
	GetSchemaVersion(ctx context.Context, id string) (*domain.SchemaVersion, error)
	Fields(ctx context.Context, schemaVersionID string) ([]domain.Field, error)
	Facts(ctx context.Context, schemaVersionID string) ([]domain.FactDefinition, error)
	Topics(ctx context.Context, schemaVersionID string) ([]domain.ProhibitedTopic, error)
}

var (
	_ SessionStore = (*store.SessionStore)(nil)
	_ SchemaReader = (*store.SchemaStore)(nil)
)
