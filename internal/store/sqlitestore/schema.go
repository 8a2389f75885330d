package sqlitestore

const schema = `
CREATE TABLE IF NOT EXISTS hubs (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL UNIQUE,
	friendly_name TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'shared',
	status TEXT NOT NULL DEFAULT 'offline',
	last_seen TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	show_script_names BOOLEAN NOT NULL DEFAULT 1,
	auto_shuffle_enabled BOOLEAN NOT NULL DEFAULT 0,
	auto_shuffle_interval INTEGER NOT NULL DEFAULT 300,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_hubs_status ON hubs(status);

CREATE TABLE IF NOT EXISTS hub_scripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hub_id TEXT NOT NULL,
	script_name TEXT NOT NULL,
	friendly_name TEXT NOT NULL,
	UNIQUE (hub_id, script_name),
	FOREIGN KEY (hub_id) REFERENCES hubs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS script_commands (
	id TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
	hub_id TEXT NOT NULL,
	script_name TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	FOREIGN KEY (hub_id) REFERENCES hubs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_script_commands_hub_status ON script_commands(hub_id, status);

CREATE TABLE IF NOT EXISTS script_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	FOREIGN KEY (command_id) REFERENCES script_commands(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_script_results_command_id ON script_results(command_id);

CREATE TABLE IF NOT EXISTS active_remotes (
	hub_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	assigned_script TEXT,
	script_color TEXT,
	last_seen TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (hub_id, user_id),
	FOREIGN KEY (hub_id) REFERENCES hubs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl TEXT NOT NULL,
	op TEXT NOT NULL,
	hub_id TEXT NOT NULL,
	record TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_change_log_hub_id ON change_log(hub_id, id);

CREATE TRIGGER IF NOT EXISTS trg_script_commands_insert AFTER INSERT ON script_commands
BEGIN
	INSERT INTO change_log (tbl, op, hub_id, record)
	VALUES ('script_commands', 'INSERT', NEW.hub_id, json_object(
		'id', NEW.id,
		'hub_id', NEW.hub_id,
		'script_name', NEW.script_name,
		'user_id', NEW.user_id,
		'status', NEW.status,
		'created_at', NEW.created_at
	));
END;

CREATE TRIGGER IF NOT EXISTS trg_active_remotes_insert AFTER INSERT ON active_remotes
BEGIN
	INSERT INTO change_log (tbl, op, hub_id, record)
	VALUES ('active_remotes', 'INSERT', NEW.hub_id, json_object(
		'hub_id', NEW.hub_id,
		'user_id', NEW.user_id,
		'assigned_script', NEW.assigned_script,
		'script_color', NEW.script_color,
		'last_seen', NEW.last_seen
	));
END;

CREATE TRIGGER IF NOT EXISTS trg_active_remotes_update AFTER UPDATE ON active_remotes
BEGIN
	INSERT INTO change_log (tbl, op, hub_id, record)
	VALUES ('active_remotes', 'UPDATE', NEW.hub_id, json_object(
		'hub_id', NEW.hub_id,
		'user_id', NEW.user_id,
		'assigned_script', NEW.assigned_script,
		'script_color', NEW.script_color,
		'last_seen', NEW.last_seen
	));
END;
`
