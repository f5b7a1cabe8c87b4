// Package datastoretest holds the behaviour every DataStore engine must
// share. Engines run it from their own tests:
//
//	func TestContract(t *testing.T) {
//		datastoretest.Run(t, func(t *testing.T, limit int) datastore.DataStore { ... })
//	}
package datastoretest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/drblury/heapflow/datastore"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/wire"
)

// Factory builds an empty store. messageByteLimit of zero selects the
// engine default.
type Factory func(t *testing.T, messageByteLimit int) datastore.DataStore

// Run executes the contract suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	suite.Run(t, &Suite{Factory: factory})
}

const (
	env  = "env"
	user = "user"
)

// Base is millisecond aligned so engines that store milliseconds round-trip.
var base = time.UnixMilli(1_700_000_000_000).UTC()

// Suite is the contract suite.
type Suite struct {
	suite.Suite
	Factory Factory

	store  datastore.DataStore
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Suite) SetupTest() {
	s.store = s.Factory(s.T(), 0)
	s.Require().NotNil(s.store)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Suite) TearDownTest() {
	s.cancel()
	s.NoError(s.store.Close())
}

func message(userID, sessionID, id string, at time.Time) models.Message {
	return models.Message{
		ID:            id,
		EnvironmentID: env,
		UserID:        userID,
		Time:          at,
		Session:       models.SessionInfo{ID: sessionID, Time: at},
		Kind:          models.KindEvent,
		Event:         &models.EventInfo{Name: "event-" + id},
	}
}

func sessionMessage(userID, sessionID string, at time.Time) models.Message {
	m := message(userID, sessionID, "session-"+sessionID, at)
	m.Kind = models.KindSession
	m.Event = nil
	return m
}

func (s *Suite) users() []*models.UserToUpload {
	users, err := s.store.UsersToUpload(s.ctx)
	s.Require().NoError(err)
	return users
}

func (s *Suite) findUser(userID string) *models.UserToUpload {
	for _, u := range s.users() {
		if u.EnvironmentID == env && u.UserID == userID {
			return u
		}
	}
	return nil
}

func (s *Suite) pending(userID, sessionID string) []models.EncodedMessage {
	msgs, err := s.store.GetPendingEncodedMessages(s.ctx, env, userID, sessionID, 1000, 1<<24)
	s.Require().NoError(err)
	return msgs
}

func (s *Suite) pendingIDs(userID, sessionID string) []string {
	var ids []string
	for _, m := range s.pending(userID, sessionID) {
		decoded, err := wire.DecodeMessage(m.Payload)
		s.Require().NoError(err)
		ids = append(ids, decoded.ID)
	}
	return ids
}

// seedSession creates user and session and stores the session message.
func (s *Suite) seedSession(userID, sessionID string, at time.Time) {
	s.store.CreateNewUserIfNeeded(env, userID, nil, at)
	s.store.CreateSessionIfNeeded(sessionMessage(userID, sessionID, at))
}

// markUserSent clears every upload flag so the user only shows up again
// when new work arrives.
func (s *Suite) markUserSent(userID string) {
	s.store.SetHasSentInitialUser(env, userID)
	s.store.SetHasSentIdentity(env, userID)
}

func (s *Suite) TestNewUserNeedsInitialUpload() {
	s.store.CreateNewUserIfNeeded(env, user, models.StringPtr("alice"), base)

	u := s.findUser(user)
	s.Require().NotNil(u)
	s.True(u.NeedsInitialUpload)
	s.True(u.NeedsIdentityUpload)
	s.Require().NotNil(u.Identity)
	s.Equal("alice", *u.Identity)
	s.Empty(u.PendingUserProperties)
	s.Empty(u.SessionIDs)

	s.store.SetHasSentInitialUser(env, user)
	s.store.SetHasSentIdentity(env, user)
	s.Nil(s.findUser(user), "a fully sent user has no work")
}

func (s *Suite) TestCreateUserBackfillsMissingIdentity() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.Nil(s.findUser(user).Identity)

	s.store.CreateNewUserIfNeeded(env, user, models.StringPtr("alice"), base.Add(time.Minute))
	u := s.findUser(user)
	s.Require().NotNil(u.Identity)
	s.Equal("alice", *u.Identity)

	s.store.CreateNewUserIfNeeded(env, user, models.StringPtr("bob"), base.Add(2*time.Minute))
	s.Equal("alice", *s.findUser(user).Identity, "an existing identity is never replaced")
}

func (s *Suite) TestSetIdentityIfNull() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.store.SetIdentityIfNull(env, user, "alice")
	s.store.SetIdentityIfNull(env, user, "bob")

	u := s.findUser(user)
	s.Require().NotNil(u.Identity)
	s.Equal("alice", *u.Identity)
	s.True(u.NeedsIdentityUpload)
}

func (s *Suite) TestSetHasSentIdentityRequiresIdentity() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.store.SetHasSentInitialUser(env, user)
	s.store.SetHasSentIdentity(env, user)

	// The flag did not stick, so a later identity still needs uploading.
	s.store.SetIdentityIfNull(env, user, "alice")
	u := s.findUser(user)
	s.Require().NotNil(u)
	s.True(u.NeedsIdentityUpload)
}

func (s *Suite) TestUserPropertyResendGuard() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.store.SetHasSentInitialUser(env, user)

	s.store.InsertOrUpdateUserProperty(env, user, "plan", "free")
	s.Equal(map[string]string{"plan": "free"}, s.findUser(user).PendingUserProperties)

	s.store.SetHasSentUserProperty(env, user, "plan", "free")
	s.Nil(s.findUser(user))

	s.store.InsertOrUpdateUserProperty(env, user, "plan", "free")
	s.Nil(s.findUser(user), "an unchanged value stays sent")

	// The value changes while an upload of "pro" is in flight.
	s.store.InsertOrUpdateUserProperty(env, user, "plan", "pro")
	s.store.InsertOrUpdateUserProperty(env, user, "plan", "team")
	s.store.SetHasSentUserProperty(env, user, "plan", "pro")
	s.Equal(map[string]string{"plan": "team"}, s.findUser(user).PendingUserProperties)

	s.store.SetHasSentUserProperty(env, user, "plan", "team")
	s.Nil(s.findUser(user))
}

func (s *Suite) TestCreateSessionIsIdempotent() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	first := sessionMessage(user, "s1", base)
	second := first
	second.ID = "duplicate"

	s.store.CreateSessionIfNeeded(first)
	s.store.CreateSessionIfNeeded(second)
	s.store.CreateSessionWithoutMessageIfNeeded(env, user, "s1", base)

	s.Equal([]string{"session-s1"}, s.pendingIDs(user, "s1"))
}

func (s *Suite) TestSessionWithoutMessage() {
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.store.CreateSessionWithoutMessageIfNeeded(env, user, "s1", base)
	s.Empty(s.pending(user, "s1"))

	s.store.InsertPendingMessage(message(user, "s1", "m1", base.Add(time.Second)))
	s.Equal([]string{"m1"}, s.pendingIDs(user, "s1"))
	s.Equal([]string{"s1"}, s.findUser(user).SessionIDs)
}

func (s *Suite) TestMessagesKeepInsertionOrder() {
	s.seedSession(user, "s1", base)
	// Timestamps deliberately out of order; storage order is insertion order.
	s.store.InsertPendingMessage(message(user, "s1", "m1", base.Add(3*time.Second)))
	s.store.InsertPendingMessage(message(user, "s1", "m2", base.Add(time.Second)))
	s.store.InsertPendingMessage(message(user, "s1", "m3", base.Add(2*time.Second)))

	s.Equal([]string{"session-s1", "m1", "m2", "m3"}, s.pendingIDs(user, "s1"))

	msgs := s.pending(user, "s1")
	for i := 1; i < len(msgs); i++ {
		s.Less(msgs[i-1].ID, msgs[i].ID, "identifiers increase with insertion")
	}
}

func (s *Suite) TestWritesRequireParentRows() {
	s.store.CreateSessionWithoutMessageIfNeeded(env, "ghost", "s1", base)
	s.store.InsertPendingMessage(message("ghost", "s1", "m1", base))
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	s.store.InsertPendingMessage(message(user, "missing", "m2", base))

	s.Empty(s.pending("ghost", "s1"))
	s.Empty(s.pending(user, "missing"))
	s.Nil(s.findUser("ghost"))
}

func (s *Suite) TestPendingFetchHonoursLimits() {
	s.seedSession(user, "s1", base)
	for _, id := range []string{"m1", "m2", "m3"} {
		s.store.InsertPendingMessage(message(user, "s1", id, base.Add(time.Second)))
	}
	all := s.pending(user, "s1")
	s.Require().Len(all, 4)

	byCount, err := s.store.GetPendingEncodedMessages(s.ctx, env, user, "s1", 2, 1<<24)
	s.Require().NoError(err)
	s.Equal(all[:2], byCount)

	limit := len(all[0].Payload) + len(all[1].Payload) + len(all[2].Payload) - 1
	byBytes, err := s.store.GetPendingEncodedMessages(s.ctx, env, user, "s1", 100, limit)
	s.Require().NoError(err)
	s.Equal(all[:2], byBytes)

	none, err := s.store.GetPendingEncodedMessages(s.ctx, env, user, "s1", 0, 1<<24)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *Suite) TestPendingFetchNeverStarves() {
	s.seedSession(user, "s1", base)
	s.store.InsertPendingMessage(message(user, "s1", "m1", base))

	msgs, err := s.store.GetPendingEncodedMessages(s.ctx, env, user, "s1", 100, 1)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1, "the first message is returned even when it exceeds the byte limit")
	decoded, err := wire.DecodeMessage(msgs[0].Payload)
	s.Require().NoError(err)
	s.Equal("session-s1", decoded.ID)
}

func (s *Suite) TestOversizedMessagesAreDropped() {
	s.Require().NoError(s.store.Close())
	s.store = s.Factory(s.T(), 512)

	s.seedSession(user, "s1", base)
	big := message(user, "s1", "big", base)
	big.Properties = map[string]string{"blob": strings.Repeat("x", 1024)}
	s.store.InsertPendingMessage(big)
	s.store.InsertPendingMessage(message(user, "s1", "small", base))

	s.Equal([]string{"session-s1", "small"}, s.pendingIDs(user, "s1"))
}

func (s *Suite) TestDeleteSentMessages() {
	s.seedSession(user, "s1", base)
	s.store.InsertPendingMessage(message(user, "s1", "m1", base))
	s.store.InsertPendingMessage(message(user, "s1", "m2", base))

	msgs := s.pending(user, "s1")
	s.Require().Len(msgs, 3)
	s.store.DeleteSentMessages([]models.MessageIdentifier{msgs[0].ID, msgs[2].ID})
	s.store.DeleteSentMessages(nil)

	s.Equal([]string{"m1"}, s.pendingIDs(user, "s1"))
}

func (s *Suite) TestDeleteSessionCascades() {
	s.seedSession(user, "s1", base)
	s.seedSession(user, "s2", base)
	s.store.DeleteSession(env, user, "s1")

	s.Empty(s.pending(user, "s1"))
	s.Equal([]string{"s2"}, s.findUser(user).SessionIDs)

	// The session row is gone too, so messages for it are refused.
	s.store.InsertPendingMessage(message(user, "s1", "late", base))
	s.Empty(s.pending(user, "s1"))
}

func (s *Suite) TestDeleteUserCascades() {
	s.seedSession(user, "s1", base)
	s.store.InsertOrUpdateUserProperty(env, user, "plan", "pro")
	s.store.DeleteUser(env, user)

	s.Nil(s.findUser(user))
	s.Empty(s.pending(user, "s1"))

	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	u := s.findUser(user)
	s.Require().NotNil(u)
	s.Empty(u.PendingUserProperties)
	s.Empty(u.SessionIDs)
}

func (s *Suite) TestUsersToUploadOrdering() {
	s.store.CreateNewUserIfNeeded(env, "late", nil, base.Add(time.Hour))
	s.store.CreateNewUserIfNeeded(env, "early", nil, base)
	s.store.CreateNewUserIfNeeded(env, "idle", nil, base)
	s.markUserSent("idle")

	s.store.CreateSessionIfNeeded(sessionMessage("early", "recent", base.Add(10*time.Minute)))
	s.store.CreateSessionIfNeeded(sessionMessage("early", "older", base.Add(time.Minute)))
	s.store.CreateSessionWithoutMessageIfNeeded(env, "early", "empty", base)

	users := s.users()
	s.Require().Len(users, 2)
	s.Equal("early", users[0].UserID)
	s.Equal("late", users[1].UserID)
	s.Equal([]string{"older", "recent"}, users[0].SessionIDs, "sessions by last event, only those with messages")
}

func (s *Suite) TestLastEventDateNeverDecreases() {
	s.seedSession(user, "s1", base)
	s.store.InsertPendingMessage(message(user, "s1", "new", base.Add(10*time.Minute)))
	s.store.InsertPendingMessage(message(user, "s1", "old", base.Add(time.Minute)))

	s.store.PruneOldData(env, "other", "other", base.Add(5*time.Minute), base.Add(-time.Hour))

	s.Equal([]string{"session-s1", "new", "old"}, s.pendingIDs(user, "s1"))
}

func (s *Suite) TestPruneRemovesOldSessionsExceptActive() {
	s.seedSession(user, "old", base)
	s.seedSession(user, "active", base)
	s.seedSession(user, "fresh", base.Add(time.Hour))

	s.store.PruneOldData(env, user, "active", base.Add(time.Minute), base.Add(-time.Hour))

	s.Empty(s.pending(user, "old"))
	s.Len(s.pending(user, "active"), 1)
	s.Len(s.pending(user, "fresh"), 1)
}

func (s *Suite) TestPruneComparesWholeMilliseconds() {
	s.seedSession(user, "edge", base.Add(400*time.Microsecond))
	s.seedSession(user, "older", base.Add(-time.Millisecond))

	s.store.PruneOldData(env, "", "", base.Add(900*time.Microsecond), base.Add(-time.Hour))

	s.Len(s.pending(user, "edge"), 1, "same millisecond as the cutoff is not older")
	s.Empty(s.pending(user, "older"))
}

func (s *Suite) TestSessionOrderIgnoresSubMillisecondTimes() {
	s.seedSession(user, "b", base)
	s.seedSession(user, "a", base.Add(700*time.Microsecond))

	u := s.findUser(user)
	s.Require().NotNil(u)
	s.Equal([]string{"a", "b"}, u.SessionIDs, "equal milliseconds fall back to session id")
}

// A recent session with no messages left, owned by an inactive user whose
// record was sent, is removed by the empty-session stage, which in turn
// lets the finished-user stage remove the user.
func (s *Suite) TestPruneStagesBuildOnEachOther() {
	s.seedSession(user, "s1", base.Add(time.Hour))
	s.markUserSent(user)
	for _, m := range s.pending(user, "s1") {
		s.store.DeleteSentMessages([]models.MessageIdentifier{m.ID})
	}
	s.store.CreateNewUserIfNeeded(env, "active", nil, base)

	s.store.PruneOldData(env, "active", "current", base, base.Add(-time.Hour))

	// A deleted user comes back as a brand new row that needs uploading.
	s.store.CreateNewUserIfNeeded(env, user, nil, base)
	u := s.findUser(user)
	s.Require().NotNil(u, "user should have been pruned and recreated")
	s.True(u.NeedsInitialUpload)
	s.NotNil(s.findUser("active"), "the active user is never pruned")
}

func (s *Suite) TestPruneKeepsUsersWithUnsentWork() {
	s.store.CreateNewUserIfNeeded(env, "props", nil, base)
	s.markUserSent("props")
	s.store.InsertOrUpdateUserProperty(env, "props", "plan", "pro")

	s.store.CreateNewUserIfNeeded(env, "identity", models.StringPtr("alice"), base)
	s.store.SetHasSentInitialUser(env, "identity")

	s.store.PruneOldData(env, "", "", base, base.Add(-time.Hour))

	s.Require().NotNil(s.findUser("props"))
	s.Require().NotNil(s.findUser("identity"))
}

func (s *Suite) TestPruneRemovesOldUsers() {
	for _, id := range []string{"unsent", "sent", "active"} {
		s.store.CreateNewUserIfNeeded(env, id, nil, base)
		s.store.CreateSessionIfNeeded(sessionMessage(id, "s1", base.Add(time.Hour)))
	}
	s.store.SetHasSentInitialUser(env, "sent")

	s.store.PruneOldData(env, "active", "s1", base, base.Add(30*time.Minute))

	// Old and never uploaded, even though it still has a session.
	s.Empty(s.pending("unsent", "s1"))
	s.Nil(s.findUser("unsent"))
	// Old but sent and still holding a session.
	s.Len(s.pending("sent", "s1"), 1)
	// Old and never uploaded, but active.
	s.Len(s.pending("active", "s1"), 1)
	s.NotNil(s.findUser("active"))
}

func (s *Suite) TestReadsHonourContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.store.UsersToUpload(ctx)
	s.ErrorIs(err, context.Canceled)
	_, err = s.store.GetPendingEncodedMessages(ctx, env, user, "s1", 10, 10)
	s.ErrorIs(err, context.Canceled)
}

func (s *Suite) TestEnvironmentsAreIsolated() {
	s.seedSession(user, "s1", base)
	s.store.CreateNewUserIfNeeded("other-env", user, nil, base)
	s.store.DeleteUser("other-env", user)

	s.Len(s.pending(user, "s1"), 1)
	s.NotNil(s.findUser(user))
}
