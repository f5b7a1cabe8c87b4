package models

import "slices"

// MessageIdentifier is the insertion sequence number of a pending message.
type MessageIdentifier = int64

// EncodedMessage is a pending message as read back for upload.
type EncodedMessage struct {
	ID      MessageIdentifier
	Payload []byte
}

// UserToUpload is the upload-cycle projection of a user with outstanding
// work. The uploader mutates it in place; it is never written back as a whole.
type UserToUpload struct {
	EnvironmentID         string
	UserID                string
	Identity              *string
	NeedsInitialUpload    bool
	NeedsIdentityUpload   bool
	PendingUserProperties map[string]string
	SessionIDs            []string
}

// HasWork reports whether anything remains to be uploaded for the user.
func (u *UserToUpload) HasWork() bool {
	return u.NeedsInitialUpload ||
		(u.NeedsIdentityUpload && u.Identity != nil) ||
		len(u.PendingUserProperties) > 0 ||
		len(u.SessionIDs) > 0
}

// RemoveSession drops sessionID from the ordered session list.
func (u *UserToUpload) RemoveSession(sessionID string) {
	u.SessionIDs = slices.DeleteFunc(u.SessionIDs, func(id string) bool { return id == sessionID })
}

// MoveSessionToFront moves sessionID to the head of the list if present.
func (u *UserToUpload) MoveSessionToFront(sessionID string) {
	idx := slices.Index(u.SessionIDs, sessionID)
	if idx <= 0 {
		return
	}
	u.SessionIDs = slices.Delete(u.SessionIDs, idx, idx+1)
	u.SessionIDs = slices.Insert(u.SessionIDs, 0, sessionID)
}

// UserKey and SessionKey identify users and sessions across environments.
type UserKey struct {
	EnvironmentID string
	UserID        string
}

type SessionKey struct {
	EnvironmentID string
	UserID        string
	SessionID     string
}

// Key returns the user key.
func (u *UserToUpload) Key() UserKey {
	return UserKey{EnvironmentID: u.EnvironmentID, UserID: u.UserID}
}

// SessionKey returns the key for one of the user's sessions.
func (u *UserToUpload) SessionKey(sessionID string) SessionKey {
	return SessionKey{EnvironmentID: u.EnvironmentID, UserID: u.UserID, SessionID: sessionID}
}
