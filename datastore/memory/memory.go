// Package memory provides an in-process DataStore. It keeps nothing across
// restarts and suits tests and short-lived tools.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drblury/heapflow/datastore"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
)

// EngineName is the name used to register this engine.
const EngineName = "memory"

func init() {
	datastore.Register(EngineName, Build)
}

// Build creates a memory store from config.
func Build(_ context.Context, cfg datastore.Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (datastore.DataStore, error) {
	return New(Config{MessageByteLimit: cfg.GetMessageByteLimit()}, logger, m), nil
}

// Config holds memory engine settings.
type Config struct {
	MessageByteLimit int
}

type property struct {
	value string
	sent  bool
}

type user struct {
	identity        *string
	creationDate    time.Time
	hasSentUser     bool
	hasSentIdentity bool
	properties      map[string]*property
}

type pending struct {
	id      models.MessageIdentifier
	payload []byte
}

type session struct {
	lastEventDate time.Time
	messages      []pending
}

// Store is the memory engine. Every operation holds one mutex, so reads
// trivially observe earlier writes.
type Store struct {
	config  Config
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	users    map[models.UserKey]*user
	sessions map[models.SessionKey]*session
	owners   map[models.MessageIdentifier]models.SessionKey
	sequence models.MessageIdentifier
}

var _ datastore.DataStore = (*Store)(nil)

// New creates an empty store.
func New(cfg Config, logger loggingpkg.ServiceLogger, m *metrics.Metrics) *Store {
	return &Store{
		config:   cfg,
		logger:   loggingpkg.OrNop(logger).With(loggingpkg.LogFields{"datastore": EngineName}),
		metrics:  m,
		users:    make(map[models.UserKey]*user),
		sessions: make(map[models.SessionKey]*session),
		owners:   make(map[models.MessageIdentifier]models.SessionKey),
	}
}

func userKey(environmentID, userID string) models.UserKey {
	return models.UserKey{EnvironmentID: environmentID, UserID: userID}
}

// millis drops sub-millisecond precision so dates compare the way the sqlite
// engine's INTEGER columns do.
func millis(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}

func sessionKey(environmentID, userID, sessionID string) models.SessionKey {
	return models.SessionKey{EnvironmentID: environmentID, UserID: userID, SessionID: sessionID}
}

func (s *Store) CreateNewUserIfNeeded(environmentID, userID string, identity *string, creationDate time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(environmentID, userID)
	if u, ok := s.users[key]; ok {
		if identity != nil && u.identity == nil && !u.hasSentIdentity {
			u.identity = models.StringPtr(*identity)
		}
		return
	}
	u := &user{creationDate: millis(creationDate), properties: make(map[string]*property)}
	if identity != nil {
		u.identity = models.StringPtr(*identity)
	}
	s.users[key] = u
}

func (s *Store) SetIdentityIfNull(environmentID, userID, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userKey(environmentID, userID)]; ok && u.identity == nil && !u.hasSentIdentity {
		u.identity = models.StringPtr(identity)
	}
}

func (s *Store) InsertOrUpdateUserProperty(environmentID, userID, name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey(environmentID, userID)]
	if !ok {
		s.missing("user", loggingpkg.LogFields{"environment_id": environmentID, "user_id": userID, "property": name})
		return
	}
	if p, ok := u.properties[name]; ok {
		if p.value != value {
			p.value = value
			p.sent = false
		}
		return
	}
	u.properties[name] = &property{value: value}
}

func (s *Store) CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID string, lastEventDate time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createSession(sessionKey(environmentID, userID, sessionID), lastEventDate)
}

func (s *Store) CreateSessionIfNeeded(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(message.EnvironmentID, message.UserID, message.Session.ID)
	if s.createSession(key, message.Time) {
		s.insert(key, message)
	}
}

func (s *Store) InsertPendingMessage(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(sessionKey(message.EnvironmentID, message.UserID, message.Session.ID), message)
}

// createSession reports whether a new session was created.
func (s *Store) createSession(key models.SessionKey, lastEventDate time.Time) bool {
	if _, ok := s.sessions[key]; ok {
		return false
	}
	if _, ok := s.users[userKey(key.EnvironmentID, key.UserID)]; !ok {
		s.missing("user", loggingpkg.LogFields{"environment_id": key.EnvironmentID, "user_id": key.UserID, "session_id": key.SessionID})
		return false
	}
	s.sessions[key] = &session{lastEventDate: millis(lastEventDate)}
	return true
}

func (s *Store) insert(key models.SessionKey, message models.Message) {
	sess, ok := s.sessions[key]
	if !ok {
		s.missing("session", loggingpkg.LogFields{"session_id": key.SessionID, "message_id": message.ID})
		return
	}
	payload, ok := datastore.EncodePending(message, s.config.MessageByteLimit, s.logger, s.metrics)
	if !ok {
		return
	}
	s.sequence++
	sess.messages = append(sess.messages, pending{id: s.sequence, payload: payload})
	sess.lastEventDate = datastore.Latest(sess.lastEventDate, millis(message.Time))
	s.owners[s.sequence] = key
}

// missing mirrors a foreign key failure in the sqlite engine.
func (s *Store) missing(what string, fields loggingpkg.LogFields) {
	s.logger.Error("Write skipped, parent "+what+" does not exist", nil, fields)
}

func (s *Store) UsersToUpload(ctx context.Context) ([]*models.UserToUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		key  models.UserKey
		user *user
	}
	candidates := make([]candidate, 0, len(s.users))
	for key, u := range s.users {
		candidates = append(candidates, candidate{key: key, user: u})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Or(
			a.user.creationDate.Compare(b.user.creationDate),
			cmp.Compare(a.key.EnvironmentID, b.key.EnvironmentID),
			cmp.Compare(a.key.UserID, b.key.UserID),
		)
	})

	var out []*models.UserToUpload
	for _, c := range candidates {
		upload := &models.UserToUpload{
			EnvironmentID:         c.key.EnvironmentID,
			UserID:                c.key.UserID,
			NeedsInitialUpload:    !c.user.hasSentUser,
			NeedsIdentityUpload:   c.user.identity != nil && !c.user.hasSentIdentity,
			PendingUserProperties: make(map[string]string),
			SessionIDs:            s.sessionsWithMessages(c.key),
		}
		if c.user.identity != nil {
			upload.Identity = models.StringPtr(*c.user.identity)
		}
		for name, p := range c.user.properties {
			if !p.sent {
				upload.PendingUserProperties[name] = p.value
			}
		}
		if upload.HasWork() {
			out = append(out, upload)
		}
	}
	return out, nil
}

func (s *Store) sessionsWithMessages(key models.UserKey) []string {
	type entry struct {
		id   string
		last time.Time
	}
	var entries []entry
	for sk, sess := range s.sessions {
		if sk.EnvironmentID == key.EnvironmentID && sk.UserID == key.UserID && len(sess.messages) > 0 {
			entries = append(entries, entry{id: sk.SessionID, last: sess.lastEventDate})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Or(a.last.Compare(b.last), cmp.Compare(a.id, b.id))
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) GetPendingEncodedMessages(ctx context.Context, environmentID, userID, sessionID string, messageLimit, byteLimit int) ([]models.EncodedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(environmentID, userID, sessionID)]
	if !ok {
		return nil, nil
	}
	var (
		out  []models.EncodedMessage
		used int
	)
	for _, p := range sess.messages {
		if !datastore.PendingBatchFits(len(out), used, len(p.payload), messageLimit, byteLimit) {
			break
		}
		used += len(p.payload)
		out = append(out, models.EncodedMessage{ID: p.id, Payload: slices.Clone(p.payload)})
	}
	return out, nil
}

func (s *Store) SetHasSentInitialUser(environmentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userKey(environmentID, userID)]; ok {
		u.hasSentUser = true
	}
}

func (s *Store) SetHasSentIdentity(environmentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userKey(environmentID, userID)]; ok && u.identity != nil {
		u.hasSentIdentity = true
	}
}

func (s *Store) SetHasSentUserProperty(environmentID, userID, name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userKey(environmentID, userID)]
	if !ok {
		return
	}
	if p, ok := u.properties[name]; ok && p.value == value {
		p.sent = true
	}
}

func (s *Store) DeleteSentMessages(identifiers []models.MessageIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range identifiers {
		key, ok := s.owners[id]
		if !ok {
			continue
		}
		delete(s.owners, id)
		if sess, ok := s.sessions[key]; ok {
			sess.messages = slices.DeleteFunc(sess.messages, func(p pending) bool { return p.id == id })
		}
	}
}

func (s *Store) DeleteUser(environmentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteUser(userKey(environmentID, userID))
}

func (s *Store) DeleteSession(environmentID, userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSession(sessionKey(environmentID, userID, sessionID))
}

func (s *Store) deleteUser(key models.UserKey) {
	for sk := range s.sessions {
		if sk.EnvironmentID == key.EnvironmentID && sk.UserID == key.UserID {
			s.deleteSession(sk)
		}
	}
	delete(s.users, key)
}

func (s *Store) deleteSession(key models.SessionKey) {
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	for _, p := range sess.messages {
		delete(s.owners, p.id)
	}
	delete(s.sessions, key)
}

func (s *Store) PruneOldData(activeEnvironmentID, activeUserID, activeSessionID string, minLastMessageDate, minUserCreationDate time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeSession := sessionKey(activeEnvironmentID, activeUserID, activeSessionID)
	activeUser := userKey(activeEnvironmentID, activeUserID)
	minLastMessageDate, minUserCreationDate = millis(minLastMessageDate), millis(minUserCreationDate)

	for key, sess := range s.sessions {
		if key != activeSession && sess.lastEventDate.Before(minLastMessageDate) {
			s.deleteSession(key)
		}
	}
	for key, sess := range s.sessions {
		if key != activeSession && len(sess.messages) == 0 {
			s.deleteSession(key)
		}
	}
	for key, u := range s.users {
		if key == activeUser || s.hasSessions(key) {
			continue
		}
		if u.hasSentUser && (u.identity == nil || u.hasSentIdentity) && !hasUnsentProperties(u) {
			s.deleteUser(key)
		}
	}
	for key, u := range s.users {
		if key == activeUser || !u.creationDate.Before(minUserCreationDate) {
			continue
		}
		if !s.hasSessions(key) || !u.hasSentUser {
			s.deleteUser(key)
		}
	}
}

func (s *Store) hasSessions(key models.UserKey) bool {
	for sk := range s.sessions {
		if sk.EnvironmentID == key.EnvironmentID && sk.UserID == key.UserID {
			return true
		}
	}
	return false
}

func hasUnsentProperties(u *user) bool {
	for _, p := range u.properties {
		if !p.sent {
			return true
		}
	}
	return false
}

// Close is a no-op; the store holds no external resources.
func (s *Store) Close() error {
	return nil
}
