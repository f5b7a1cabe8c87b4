package sqlite

// Dates are stored as unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS Users (
	environmentId   TEXT NOT NULL,
	userId          TEXT NOT NULL,
	identity        TEXT,
	creationDate    INTEGER NOT NULL,
	hasSentUser     INTEGER NOT NULL DEFAULT 0,
	hasSentIdentity INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (environmentId, userId)
);

CREATE TABLE IF NOT EXISTS Sessions (
	environmentId TEXT NOT NULL,
	userId        TEXT NOT NULL,
	sessionId     TEXT NOT NULL,
	lastEventDate INTEGER NOT NULL,
	PRIMARY KEY (environmentId, userId, sessionId),
	FOREIGN KEY (environmentId, userId)
		REFERENCES Users (environmentId, userId) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS PendingMessages (
	sequenceNumber INTEGER PRIMARY KEY AUTOINCREMENT,
	environmentId  TEXT NOT NULL,
	userId         TEXT NOT NULL,
	sessionId      TEXT NOT NULL,
	payload        BLOB NOT NULL,
	FOREIGN KEY (environmentId, userId, sessionId)
		REFERENCES Sessions (environmentId, userId, sessionId) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pending_session
	ON PendingMessages (environmentId, userId, sessionId, sequenceNumber);

CREATE TABLE IF NOT EXISTS UserProperties (
	environmentId TEXT NOT NULL,
	userId        TEXT NOT NULL,
	name          TEXT NOT NULL,
	value         TEXT NOT NULL,
	hasBeenSent   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (environmentId, userId, name),
	FOREIGN KEY (environmentId, userId)
		REFERENCES Users (environmentId, userId) ON DELETE CASCADE
);
`

const (
	insertUser = `INSERT OR IGNORE INTO Users (environmentId, userId, identity, creationDate) VALUES (?, ?, ?, ?)`

	setIdentityIfNull = `UPDATE Users SET identity = ?
		WHERE environmentId = ? AND userId = ? AND identity IS NULL AND hasSentIdentity = 0`

	upsertUserProperty = `INSERT INTO UserProperties (environmentId, userId, name, value, hasBeenSent)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (environmentId, userId, name)
		DO UPDATE SET value = excluded.value, hasBeenSent = 0 WHERE value != excluded.value`

	insertSession = `INSERT OR IGNORE INTO Sessions (environmentId, userId, sessionId, lastEventDate) VALUES (?, ?, ?, ?)`

	insertMessage = `INSERT INTO PendingMessages (environmentId, userId, sessionId, payload) VALUES (?, ?, ?, ?)`

	raiseLastEventDate = `UPDATE Sessions SET lastEventDate = max(lastEventDate, ?)
		WHERE environmentId = ? AND userId = ? AND sessionId = ?`

	selectUsers = `SELECT environmentId, userId, identity, hasSentUser, hasSentIdentity
		FROM Users ORDER BY creationDate, environmentId, userId`

	selectUnsentProperties = `SELECT environmentId, userId, name, value FROM UserProperties WHERE hasBeenSent = 0`

	selectSessionsWithMessages = `SELECT s.environmentId, s.userId, s.sessionId FROM Sessions s
		WHERE EXISTS (SELECT 1 FROM PendingMessages p
			WHERE p.environmentId = s.environmentId AND p.userId = s.userId AND p.sessionId = s.sessionId)
		ORDER BY s.lastEventDate, s.sessionId`

	selectPendingMessages = `SELECT sequenceNumber, payload FROM PendingMessages
		WHERE environmentId = ? AND userId = ? AND sessionId = ?
		ORDER BY sequenceNumber LIMIT ?`

	setHasSentUser = `UPDATE Users SET hasSentUser = 1 WHERE environmentId = ? AND userId = ?`

	setHasSentIdentity = `UPDATE Users SET hasSentIdentity = 1
		WHERE environmentId = ? AND userId = ? AND identity IS NOT NULL`

	setHasSentUserProperty = `UPDATE UserProperties SET hasBeenSent = 1
		WHERE environmentId = ? AND userId = ? AND name = ? AND value = ?`

	deleteMessage = `DELETE FROM PendingMessages WHERE sequenceNumber = ?`

	deleteUser = `DELETE FROM Users WHERE environmentId = ? AND userId = ?`

	deleteSession = `DELETE FROM Sessions WHERE environmentId = ? AND userId = ? AND sessionId = ?`
)

// Prune stages, run in order inside one transaction. Each stage depends on
// the rows removed by the one before it.
const (
	pruneOldSessions = `DELETE FROM Sessions
		WHERE lastEventDate < ?
		AND NOT (environmentId = ? AND userId = ? AND sessionId = ?)`

	pruneEmptySessions = `DELETE FROM Sessions
		WHERE NOT EXISTS (SELECT 1 FROM PendingMessages p
			WHERE p.environmentId = Sessions.environmentId
			AND p.userId = Sessions.userId
			AND p.sessionId = Sessions.sessionId)
		AND NOT (environmentId = ? AND userId = ? AND sessionId = ?)`

	pruneFinishedUsers = `DELETE FROM Users
		WHERE hasSentUser = 1
		AND (identity IS NULL OR hasSentIdentity = 1)
		AND NOT EXISTS (SELECT 1 FROM Sessions s
			WHERE s.environmentId = Users.environmentId AND s.userId = Users.userId)
		AND NOT EXISTS (SELECT 1 FROM UserProperties p
			WHERE p.environmentId = Users.environmentId AND p.userId = Users.userId AND p.hasBeenSent = 0)
		AND NOT (environmentId = ? AND userId = ?)`

	pruneOldUsers = `DELETE FROM Users
		WHERE creationDate < ?
		AND (hasSentUser = 0 OR NOT EXISTS (SELECT 1 FROM Sessions s
			WHERE s.environmentId = Users.environmentId AND s.userId = Users.userId))
		AND NOT (environmentId = ? AND userId = ?)`
)
