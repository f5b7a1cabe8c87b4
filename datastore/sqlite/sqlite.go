// Package sqlite provides the durable DataStore engine backed by SQLite.
//
// All statements run on one serial queue. Mutations are queued and return
// immediately; reads wait on the same queue, so they observe every mutation
// issued before them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/heapflow/datastore"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/queue"
)

// EngineName is the name used to register this engine.
const EngineName = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "heapflow.db"

func init() {
	datastore.Register(EngineName, Build)
}

// Build creates a SQLite store from config.
func Build(_ context.Context, cfg datastore.Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (datastore.DataStore, error) {
	return New(Config{
		FilePath:         cfg.GetSQLiteFile(),
		MessageByteLimit: cfg.GetMessageByteLimit(),
	}, logger, m)
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the database file. Use ":memory:" for an
	// in-memory database.
	FilePath string
	// MessageByteLimit is the largest encoded message accepted.
	MessageByteLimit int
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.MessageByteLimit <= 0 {
		c.MessageByteLimit = datastore.DefaultMessageByteLimit
	}
	return c
}

// Store is the SQLite engine.
type Store struct {
	db      *sql.DB
	config  Config
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics
	queue   *queue.Serial
}

var _ datastore.DataStore = (*Store)(nil)

// New opens the database and creates the schema if needed.
func New(cfg Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:      db,
		config:  cfg,
		logger:  loggingpkg.OrNop(logger).With(loggingpkg.LogFields{"datastore": EngineName}),
		metrics: m,
		queue:   queue.NewSerial("sqlite-datastore"),
	}, nil
}

// write queues fn. Failures are logged and otherwise dropped.
func (s *Store) write(operation string, fn func(ctx context.Context) error) {
	err := s.queue.Async(func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Error("Data store write failed", err, loggingpkg.LogFields{"operation": operation})
		}
	})
	if err != nil {
		s.logger.Error("Data store write dropped", err, loggingpkg.LogFields{"operation": operation})
	}
}

// read runs fn after every queued write. A persistence failure is logged and
// reported as an empty result; only ctx and shutdown errors are returned.
func (s *Store) read(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var failed error
	if err := s.queue.SyncContext(ctx, func() {
		failed = fn(ctx)
	}); err != nil {
		return err
	}
	if failed != nil {
		if errors.Is(failed, context.Canceled) || errors.Is(failed, context.DeadlineExceeded) {
			return failed
		}
		s.logger.Error("Data store read failed", failed, loggingpkg.LogFields{"operation": operation})
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (s *Store) exec(operation, query string, args ...any) {
	s.write(operation, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *Store) CreateNewUserIfNeeded(environmentID, userID string, identity *string, creationDate time.Time) {
	var identityArg any
	if identity != nil {
		identityArg = *identity
	}
	s.write("create_user", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, insertUser, environmentID, userID, identityArg, millis(creationDate)); err != nil {
				return err
			}
			if identityArg == nil {
				return nil
			}
			_, err := tx.ExecContext(ctx, setIdentityIfNull, identityArg, environmentID, userID)
			return err
		})
	})
}

func (s *Store) SetIdentityIfNull(environmentID, userID, identity string) {
	s.exec("set_identity", setIdentityIfNull, identity, environmentID, userID)
}

func (s *Store) InsertOrUpdateUserProperty(environmentID, userID, name, value string) {
	s.exec("user_property", upsertUserProperty, environmentID, userID, name, value)
}

func (s *Store) CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID string, lastEventDate time.Time) {
	s.exec("create_session", insertSession, environmentID, userID, sessionID, millis(lastEventDate))
}

func (s *Store) CreateSessionIfNeeded(message models.Message) {
	payload, ok := datastore.EncodePending(message, s.config.MessageByteLimit, s.logger, s.metrics)
	s.write("create_session", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, insertSession,
				message.EnvironmentID, message.UserID, message.Session.ID, millis(message.Time))
			if err != nil {
				return err
			}
			// The session row is the dedup key for its opening message.
			if n, err := res.RowsAffected(); err != nil || n != 1 || !ok {
				return err
			}
			return insertPending(ctx, tx, message, payload)
		})
	})
}

func (s *Store) InsertPendingMessage(message models.Message) {
	payload, ok := datastore.EncodePending(message, s.config.MessageByteLimit, s.logger, s.metrics)
	if !ok {
		return
	}
	s.write("insert_message", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			return insertPending(ctx, tx, message, payload)
		})
	})
}

func insertPending(ctx context.Context, tx *sql.Tx, message models.Message, payload []byte) error {
	if _, err := tx.ExecContext(ctx, insertMessage,
		message.EnvironmentID, message.UserID, message.Session.ID, payload); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, raiseLastEventDate,
		millis(message.Time), message.EnvironmentID, message.UserID, message.Session.ID)
	return err
}

func (s *Store) UsersToUpload(ctx context.Context) ([]*models.UserToUpload, error) {
	var out []*models.UserToUpload
	err := s.read(ctx, "users_to_upload", func(ctx context.Context) error {
		users, err := s.loadUsers(ctx)
		out = users
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) loadUsers(ctx context.Context) ([]*models.UserToUpload, error) {
	rows, err := s.db.QueryContext(ctx, selectUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ordered []*models.UserToUpload
	byKey := make(map[models.UserKey]*models.UserToUpload)
	for rows.Next() {
		var (
			u               models.UserToUpload
			identity        sql.NullString
			sentUser, sentI bool
		)
		if err := rows.Scan(&u.EnvironmentID, &u.UserID, &identity, &sentUser, &sentI); err != nil {
			return nil, err
		}
		if identity.Valid {
			u.Identity = models.StringPtr(identity.String)
		}
		u.NeedsInitialUpload = !sentUser
		u.NeedsIdentityUpload = identity.Valid && !sentI
		u.PendingUserProperties = make(map[string]string)
		ordered = append(ordered, &u)
		byKey[u.Key()] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.scanInto(ctx, selectUnsentProperties, func(rows *sql.Rows) error {
		var key models.UserKey
		var name, value string
		if err := rows.Scan(&key.EnvironmentID, &key.UserID, &name, &value); err != nil {
			return err
		}
		if u, ok := byKey[key]; ok {
			u.PendingUserProperties[name] = value
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scanInto(ctx, selectSessionsWithMessages, func(rows *sql.Rows) error {
		var key models.UserKey
		var sessionID string
		if err := rows.Scan(&key.EnvironmentID, &key.UserID, &sessionID); err != nil {
			return err
		}
		if u, ok := byKey[key]; ok {
			u.SessionIDs = append(u.SessionIDs, sessionID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := ordered[:0]
	for _, u := range ordered {
		if u.HasWork() {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) scanInto(ctx context.Context, query string, scan func(*sql.Rows) error, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) GetPendingEncodedMessages(ctx context.Context, environmentID, userID, sessionID string, messageLimit, byteLimit int) ([]models.EncodedMessage, error) {
	if messageLimit <= 0 {
		return nil, nil
	}
	var out []models.EncodedMessage
	err := s.read(ctx, "pending_messages", func(ctx context.Context) error {
		used := 0
		out = nil
		err := s.scanInto(ctx, selectPendingMessages, func(rows *sql.Rows) error {
			var msg models.EncodedMessage
			if err := rows.Scan(&msg.ID, &msg.Payload); err != nil {
				return err
			}
			if !datastore.PendingBatchFits(len(out), used, len(msg.Payload), messageLimit, byteLimit) {
				return errBatchFull
			}
			used += len(msg.Payload)
			out = append(out, msg)
			return nil
		}, environmentID, userID, sessionID, messageLimit)
		if errors.Is(err, errBatchFull) {
			return nil
		}
		if err != nil {
			out = nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var errBatchFull = errors.New("batch full")

func (s *Store) SetHasSentInitialUser(environmentID, userID string) {
	s.exec("sent_user", setHasSentUser, environmentID, userID)
}

func (s *Store) SetHasSentIdentity(environmentID, userID string) {
	s.exec("sent_identity", setHasSentIdentity, environmentID, userID)
}

func (s *Store) SetHasSentUserProperty(environmentID, userID, name, value string) {
	s.exec("sent_user_property", setHasSentUserProperty, environmentID, userID, name, value)
}

func (s *Store) DeleteSentMessages(identifiers []models.MessageIdentifier) {
	if len(identifiers) == 0 {
		return
	}
	ids := append([]models.MessageIdentifier(nil), identifiers...)
	s.write("delete_messages", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, deleteMessage)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, id := range ids {
				if _, err := stmt.ExecContext(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) DeleteUser(environmentID, userID string) {
	s.exec("delete_user", deleteUser, environmentID, userID)
}

func (s *Store) DeleteSession(environmentID, userID, sessionID string) {
	s.exec("delete_session", deleteSession, environmentID, userID, sessionID)
}

func (s *Store) PruneOldData(activeEnvironmentID, activeUserID, activeSessionID string, minLastMessageDate, minUserCreationDate time.Time) {
	s.write("prune", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			stages := []struct {
				query string
				args  []any
			}{
				{pruneOldSessions, []any{millis(minLastMessageDate), activeEnvironmentID, activeUserID, activeSessionID}},
				{pruneEmptySessions, []any{activeEnvironmentID, activeUserID, activeSessionID}},
				{pruneFinishedUsers, []any{activeEnvironmentID, activeUserID}},
				{pruneOldUsers, []any{millis(minUserCreationDate), activeEnvironmentID, activeUserID}},
			}
			for i, stage := range stages {
				if _, err := tx.ExecContext(ctx, stage.query, stage.args...); err != nil {
					return fmt.Errorf("prune stage %d: %w", i+1, err)
				}
			}
			return nil
		})
	})
}

// Close waits for queued writes and closes the database.
func (s *Store) Close() error {
	s.queue.Close()
	return s.db.Close()
}
