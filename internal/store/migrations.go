package store

// migration is one forward-only schema change. SQL must be portable
// between SQLite and Postgres; BLOB is rewritten to BYTEA for Postgres.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create jobs, applications and forms",
		SQL: `
			CREATE TABLE jobs (
				id          TEXT PRIMARY KEY,
				title       TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at  BIGINT NOT NULL
			);

			CREATE TABLE applications (
				id             TEXT PRIMARY KEY,
				job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				candidate_name TEXT NOT NULL,
				email          TEXT NOT NULL DEFAULT '',
				created_at     BIGINT NOT NULL
			);

			CREATE INDEX idx_applications_job ON applications (job_id);

			CREATE TABLE forms (
				id          TEXT PRIMARY KEY,
				title       TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				soft_cap    INTEGER,
				hard_cap    INTEGER,
				created_at  BIGINT NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "create schema versions, fields and fact definitions",
		SQL: `
			CREATE TABLE schema_versions (
				id          TEXT PRIMARY KEY,
				owner_kind  TEXT NOT NULL,
				owner_id    TEXT NOT NULL,
				version     INTEGER NOT NULL,
				status      TEXT NOT NULL DEFAULT 'draft',
				created_at  BIGINT NOT NULL,
				approved_at BIGINT,
				UNIQUE (owner_kind, owner_id, version)
			);

			CREATE TABLE fields (
				id                TEXT PRIMARY KEY,
				schema_version_id TEXT NOT NULL REFERENCES schema_versions(id) ON DELETE CASCADE,
				label             TEXT NOT NULL,
				intent            TEXT NOT NULL DEFAULT '',
				required          BOOLEAN NOT NULL,
				position          INTEGER NOT NULL
			);

			CREATE INDEX idx_fields_schema ON fields (schema_version_id, position);

			CREATE TABLE fact_definitions (
				id                TEXT PRIMARY KEY,
				schema_version_id TEXT NOT NULL REFERENCES schema_versions(id) ON DELETE CASCADE,
				field_id          TEXT NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
				fact              TEXT NOT NULL,
				done_criteria     TEXT NOT NULL DEFAULT '',
				questioning_hints TEXT NOT NULL DEFAULT '',
				position          INTEGER NOT NULL
			);

			CREATE INDEX idx_facts_schema ON fact_definitions (schema_version_id, field_id, position);

			CREATE TABLE field_prohibited_topics (
				id       TEXT PRIMARY KEY,
				field_id TEXT NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
				topic    TEXT NOT NULL
			);

			CREATE INDEX idx_field_topics_field ON field_prohibited_topics (field_id);
		`,
	},
	{
		Version: 3,
		Name:    "create review policy versions",
		SQL: `
			CREATE TABLE policy_versions (
				id                        TEXT PRIMARY KEY,
				job_id                    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				version                   INTEGER NOT NULL,
				status                    TEXT NOT NULL,
				soft_cap                  INTEGER,
				hard_cap                  INTEGER,
				review_fail_threshold     INTEGER,
				extraction_fail_threshold INTEGER,
				timeout_threshold         INTEGER,
				created_at                BIGINT NOT NULL,
				confirmed_at              BIGINT,
				published_at              BIGINT,
				UNIQUE (job_id, version)
			);

			CREATE UNIQUE INDEX idx_policy_versions_published ON policy_versions (job_id) WHERE status = 'published';

			CREATE TABLE policy_signals (
				id                TEXT PRIMARY KEY,
				policy_version_id TEXT NOT NULL REFERENCES policy_versions(id) ON DELETE CASCADE,
				key               TEXT NOT NULL,
				label             TEXT NOT NULL,
				priority          TEXT NOT NULL,
				category          TEXT NOT NULL DEFAULT '',
				position          INTEGER NOT NULL,
				UNIQUE (policy_version_id, key)
			);

			CREATE TABLE policy_prohibited_topics (
				id                TEXT PRIMARY KEY,
				policy_version_id TEXT NOT NULL REFERENCES policy_versions(id) ON DELETE CASCADE,
				topic             TEXT NOT NULL,
				position          INTEGER NOT NULL
			);
		`,
	},
	{
		Version: 4,
		Name:    "create sessions, messages, todos and tool call log",
		SQL: `
			CREATE TABLE sessions (
				id                        TEXT PRIMARY KEY,
				kind                      TEXT NOT NULL,
				application_id            TEXT REFERENCES applications(id) ON DELETE CASCADE,
				job_id                    TEXT REFERENCES jobs(id) ON DELETE CASCADE,
				form_id                   TEXT REFERENCES forms(id) ON DELETE CASCADE,
				schema_version_id         TEXT NOT NULL REFERENCES schema_versions(id),
				policy_version_id         TEXT REFERENCES policy_versions(id),
				status                    TEXT NOT NULL,
				bootstrap_completed       BOOLEAN NOT NULL,
				current_agent             TEXT NOT NULL,
				plan_schema_version       INTEGER NOT NULL DEFAULT 0,
				plan_data                 BLOB,
				turn_count                INTEGER NOT NULL DEFAULT 0,
				soft_cap                  INTEGER,
				hard_cap                  INTEGER,
				soft_capped_at            BIGINT,
				hard_capped_at            BIGINT,
				review_fail_streak        INTEGER NOT NULL DEFAULT 0,
				extraction_fail_streak    INTEGER NOT NULL DEFAULT 0,
				timeout_streak            INTEGER NOT NULL DEFAULT 0,
				review_fail_threshold     INTEGER NOT NULL DEFAULT 0,
				extraction_fail_threshold INTEGER NOT NULL DEFAULT 0,
				timeout_threshold         INTEGER NOT NULL DEFAULT 0,
				fallback_signaled         BOOLEAN NOT NULL,
				last_sequence             BIGINT NOT NULL DEFAULT 0,
				version                   BIGINT NOT NULL DEFAULT 1,
				lease_token               TEXT,
				lease_expires_at          BIGINT,
				created_at                BIGINT NOT NULL,
				updated_at                BIGINT NOT NULL,
				CHECK ((CASE WHEN application_id IS NULL THEN 0 ELSE 1 END)
				     + (CASE WHEN job_id IS NULL THEN 0 ELSE 1 END)
				     + (CASE WHEN form_id IS NULL THEN 0 ELSE 1 END) = 1)
			);

			CREATE INDEX idx_sessions_status_updated ON sessions (status, updated_at);

			CREATE TABLE messages (
				id              TEXT PRIMARY KEY,
				session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq             INTEGER NOT NULL,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL,
				target_field_id TEXT,
				review_passed   BOOLEAN,
				created_at      BIGINT NOT NULL,
				UNIQUE (session_id, seq)
			);

			CREATE TABLE todos (
				id                 TEXT PRIMARY KEY,
				session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				fact_definition_id TEXT NOT NULL REFERENCES fact_definitions(id),
				field_id           TEXT NOT NULL,
				position           INTEGER NOT NULL,
				required           BOOLEAN NOT NULL,
				status             TEXT NOT NULL,
				extracted_value    TEXT,
				updated_at         BIGINT NOT NULL
			);

			CREATE INDEX idx_todos_session ON todos (session_id, position);

			CREATE TABLE tool_call_logs (
				id         TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				sequence   BIGINT NOT NULL,
				agent      TEXT NOT NULL,
				tool_name  TEXT NOT NULL,
				args       TEXT NOT NULL,
				result     TEXT,
				created_at BIGINT NOT NULL,
				UNIQUE (session_id, sequence)
			);
		`,
	},
	{
		Version: 5,
		Name:    "add todo candidate",
		SQL: `
			ALTER TABLE todos ADD COLUMN candidate TEXT;
		`,
	},
}
