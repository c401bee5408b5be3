package store

// migration holds a single schema migration with its target version and SQL.
// The SQL must run unchanged on SQLite and PostgreSQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	auth_type  TEXT NOT NULL DEFAULT 'password',
	host       TEXT NOT NULL DEFAULT '',
	port       INTEGER NOT NULL DEFAULT 0,
	username   TEXT NOT NULL DEFAULT '',
	use_tls    INTEGER NOT NULL DEFAULT 1,
	secret     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	account_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	delimiter      TEXT NOT NULL DEFAULT '',
	selectable     INTEGER NOT NULL DEFAULT 1,
	special_use    TEXT NOT NULL DEFAULT '',
	validity_epoch BIGINT NOT NULL DEFAULT 0,
	message_count  BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	folder          TEXT NOT NULL,
	uid_validity    BIGINT NOT NULL,
	uid             BIGINT NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	from_name       TEXT NOT NULL DEFAULT '',
	from_email      TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	text_body       TEXT NOT NULL DEFAULT '',
	html_body       TEXT NOT NULL DEFAULT '',
	sent_at         TIMESTAMP NOT NULL,
	size            BIGINT NOT NULL DEFAULT 0,
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_flagged      INTEGER NOT NULL DEFAULT 0,
	is_deleted      INTEGER NOT NULL DEFAULT 0,
	moved_to        TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	headers         TEXT NOT NULL DEFAULT '{}',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	UNIQUE (account_id, folder, uid_validity, uid)
);

CREATE TABLE IF NOT EXISTS recipients (
	message_pk TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	position   INTEGER NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL,
	PRIMARY KEY (message_pk, kind, position)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_pk   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	part_index   INTEGER NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	size         BIGINT NOT NULL DEFAULT 0,
	content_id   TEXT NOT NULL DEFAULT '',
	locator      TEXT NOT NULL DEFAULT '',
	UNIQUE (message_pk, part_index)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id     TEXT NOT NULL,
	folder         TEXT NOT NULL,
	last_uid       BIGINT NOT NULL DEFAULT 0,
	validity_epoch BIGINT NOT NULL DEFAULT 0,
	last_sync      TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, folder)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(account_id, message_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_date ON messages(account_id, folder, sent_at);
CREATE INDEX IF NOT EXISTS idx_recipients_email ON recipients(email);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
