package store

// schema is the full gazeta database schema. All statements are idempotent.
//
// Occurrences cascade on diary deletion (the diary owns them) but NOT on
// processing-run deletion — runs are historical and never deleted anyway.
// Companies are referenced by occurrences without ownership; deleting a
// company with recorded occurrences is rejected by the foreign key.
const schema = `
CREATE TABLE IF NOT EXISTS diaries (
	id            TEXT PRIMARY KEY,
	state_code    TEXT NOT NULL,
	gazette_date  TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	storage_path  TEXT NOT NULL,
	text_path     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pendente',
	error_message TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	uploader_id   TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diaries_status ON diaries (status);
CREATE INDEX IF NOT EXISTS idx_diaries_date ON diaries (state_code, gazette_date);

CREATE TABLE IF NOT EXISTS companies (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	cnpj           TEXT NOT NULL DEFAULT '',
	inscricao_estadual TEXT NOT NULL DEFAULT '',
	custom_terms   TEXT NOT NULL DEFAULT '[]',
	variants       TEXT NOT NULL DEFAULT '[]',
	min_confidence REAL NOT NULL DEFAULT 0.7,
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_cnpj ON companies (cnpj) WHERE cnpj != '';

CREATE TABLE IF NOT EXISTS processing_runs (
	id            TEXT PRIMARY KEY,
	diary_id      TEXT NOT NULL REFERENCES diaries(id) ON DELETE CASCADE,
	run_type      TEXT NOT NULL DEFAULT 'initial',
	mode          TEXT NOT NULL DEFAULT 'full',
	status        TEXT NOT NULL DEFAULT 'pendente',
	error_message TEXT NOT NULL DEFAULT '',
	total_occurrences   INTEGER NOT NULL DEFAULT 0,
	new_occurrences     INTEGER NOT NULL DEFAULT 0,
	retired_occurrences INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT NOT NULL DEFAULT '{}',
	started_at    INTEGER NOT NULL DEFAULT 0,
	finished_at   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_diary ON processing_runs (diary_id, created_at);

CREATE TABLE IF NOT EXISTS occurrences (
	id           TEXT PRIMARY KEY,
	diary_id     TEXT NOT NULL REFERENCES diaries(id) ON DELETE CASCADE,
	company_id   TEXT NOT NULL REFERENCES companies(id),
	run_id       TEXT NOT NULL REFERENCES processing_runs(id),
	match_kind   TEXT NOT NULL,
	term         TEXT NOT NULL,
	context      TEXT NOT NULL DEFAULT '',
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	page         INTEGER NOT NULL DEFAULT 0,
	score        REAL NOT NULL,
	reliability  TEXT NOT NULL DEFAULT 'alta',
	review_status TEXT NOT NULL DEFAULT 'pendente',
	active       INTEGER NOT NULL DEFAULT 1,
	notified_email       INTEGER NOT NULL DEFAULT 0,
	notified_email_at    INTEGER NOT NULL DEFAULT 0,
	notified_whatsapp    INTEGER NOT NULL DEFAULT 0,
	notified_whatsapp_at INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_occurrences_diary ON occurrences (diary_id, active);
CREATE INDEX IF NOT EXISTS idx_occurrences_company ON occurrences (company_id, active);
CREATE INDEX IF NOT EXISTS idx_occurrences_run ON occurrences (run_id);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	phone         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	notify_email    INTEGER NOT NULL DEFAULT 1,
	notify_whatsapp INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, company_id)
);
`
