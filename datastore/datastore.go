// Package datastore defines the persistent store behind the capture pipeline:
// users, sessions, their append-only pending message queues and the pull
// surface the uploader drains.
//
// Each engine lives in its own sub-package and registers itself with the
// registry from init, the same way database/sql drivers do.
package datastore

import (
	"context"
	"time"

	"github.com/drblury/heapflow/internal/runtime/models"
)

// DataStore is the contract every engine satisfies.
//
// Mutations are fire-and-forget: they never return persistence errors, which
// are logged by the engine and otherwise dropped. Reads observe every
// mutation issued before them.
type DataStore interface {
	// CreateNewUserIfNeeded inserts the user if missing. An existing user
	// with no identity that has not sent one gets identity backfilled.
	CreateNewUserIfNeeded(environmentID, userID string, identity *string, creationDate time.Time)
	// SetIdentityIfNull sets identity only while it is unset and unsent.
	SetIdentityIfNull(environmentID, userID, identity string)
	// InsertOrUpdateUserProperty upserts a property. A changed value clears
	// its sent flag; an unchanged value leaves it alone.
	InsertOrUpdateUserProperty(environmentID, userID, name, value string)

	CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID string, lastEventDate time.Time)
	// CreateSessionIfNeeded creates the message's session and stores the
	// message with it. A second call for the same session stores nothing.
	CreateSessionIfNeeded(message models.Message)
	// InsertPendingMessage appends to the session queue and raises the
	// session's last event date. Messages over the byte limit are dropped.
	InsertPendingMessage(message models.Message)

	// UsersToUpload returns every user with outstanding work.
	UsersToUpload(ctx context.Context) ([]*models.UserToUpload, error)
	// GetPendingEncodedMessages returns the oldest messages of a session,
	// capped by count and cumulative size. The first message is always
	// included even when it alone exceeds byteLimit.
	GetPendingEncodedMessages(ctx context.Context, environmentID, userID, sessionID string, messageLimit, byteLimit int) ([]models.EncodedMessage, error)

	SetHasSentInitialUser(environmentID, userID string)
	// SetHasSentIdentity only applies while the user still has an identity.
	SetHasSentIdentity(environmentID, userID string)
	// SetHasSentUserProperty only applies while the stored value equals value.
	SetHasSentUserProperty(environmentID, userID, name, value string)

	DeleteSentMessages(identifiers []models.MessageIdentifier)
	// DeleteUser removes the user with its sessions, messages and properties.
	DeleteUser(environmentID, userID string)
	// DeleteSession removes the session with its messages.
	DeleteSession(environmentID, userID, sessionID string)

	// PruneOldData runs the four cleanup stages in order, sparing the active
	// user and session:
	//  1. sessions whose last event is before minLastMessageDate
	//  2. sessions without pending messages
	//  3. users with no sessions, no unsent properties and nothing left to send
	//  4. users created before minUserCreationDate with no sessions or an
	//     unsent user record
	PruneOldData(activeEnvironmentID, activeUserID, activeSessionID string, minLastMessageDate, minUserCreationDate time.Time)

	Close() error
}
