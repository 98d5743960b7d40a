package storage

const schema = `
CREATE TABLE IF NOT EXISTS releases (
    name TEXT PRIMARY KEY,
    long_name TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT '',
    id_prefix TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'current',
    candidate_tag TEXT NOT NULL,
    testing_tag TEXT NOT NULL,
    stable_tag TEXT NOT NULL,
    pending_signing_tag TEXT NOT NULL DEFAULT '',
    pending_testing_tag TEXT NOT NULL DEFAULT '',
    pending_stable_tag TEXT NOT NULL DEFAULT '',
    override_tag TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS composes (
    id TEXT PRIMARY KEY,
    release_name TEXT NOT NULL REFERENCES releases(name),
    request TEXT NOT NULL,
    content_type TEXT NOT NULL,
    security BOOLEAN NOT NULL DEFAULT FALSE,
    state TEXT NOT NULL DEFAULT 'requested',
    compose_dir TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS compose_checkpoints (
    compose_id TEXT NOT NULL REFERENCES composes(id) ON DELETE CASCADE,
    step TEXT NOT NULL,
    completed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (compose_id, step)
);

CREATE TABLE IF NOT EXISTS updates (
    alias TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    release_name TEXT NOT NULL REFERENCES releases(name),
    content_type TEXT NOT NULL DEFAULT 'rpm',
    type TEXT NOT NULL DEFAULT 'bugfix',
    severity TEXT NOT NULL DEFAULT 'unspecified',
    status TEXT NOT NULL DEFAULT 'pending',
    request TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    compose_id TEXT REFERENCES composes(id) ON DELETE SET NULL,
    date_submitted DATETIME NOT NULL,
    date_pushed DATETIME
);

CREATE TABLE IF NOT EXISTS builds (
    nvr TEXT PRIMARY KEY,
    update_alias TEXT NOT NULL REFERENCES updates(alias) ON DELETE CASCADE,
    signed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS update_references (
    update_alias TEXT NOT NULL REFERENCES updates(alias) ON DELETE CASCADE,
    type TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (update_alias, type, ref_id)
);

CREATE TABLE IF NOT EXISTS comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    update_alias TEXT NOT NULL REFERENCES updates(alias) ON DELETE CASCADE,
    author TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS buildroot_overrides (
    nvr TEXT PRIMARY KEY,
    release_name TEXT NOT NULL REFERENCES releases(name),
    submitter TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    expiration_date DATETIME NOT NULL,
    expired_date DATETIME
);

CREATE INDEX IF NOT EXISTS idx_composes_key ON composes(release_name, request, content_type);
CREATE INDEX IF NOT EXISTS idx_composes_created_at ON composes(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_updates_push ON updates(release_name, request, locked);
CREATE INDEX IF NOT EXISTS idx_updates_compose_id ON updates(compose_id);
CREATE INDEX IF NOT EXISTS idx_builds_update_alias ON builds(update_alias);
`
