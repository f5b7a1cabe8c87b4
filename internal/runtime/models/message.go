// Package models holds the data carried through the capture pipeline: the
// messages that are queued and uploaded, the per-cycle upload projection of a
// user and the value passed through transformers.
package models

import (
	"maps"
	"time"
)

// Kind distinguishes the three message shapes the collector accepts.
type Kind int

const (
	KindSession Kind = iota + 1
	KindPageview
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindPageview:
		return "pageview"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// SessionInfo identifies the session a message belongs to.
type SessionInfo struct {
	ID   string
	Time time.Time
}

// PageviewInfo describes the pageview a message is attributed to.
type PageviewInfo struct {
	ID         string
	Time       time.Time
	Title      string
	URL        string
	Properties map[string]string
}

// EventInfo carries the custom event name for KindEvent messages.
type EventInfo struct {
	Name       string
	SourceName string
}

// DeviceInfo, ApplicationInfo and LibraryInfo are descriptors attached to
// every message.
type DeviceInfo struct {
	ID       string
	Platform string
	Model    string
	Carrier  string
}

type ApplicationInfo struct {
	ID      string
	Name    string
	Version string
}

type LibraryInfo struct {
	Name       string
	Version    string
	Platform   string
	Properties map[string]string
}

// ContentsquareProperties are the identifiers a Contentsquare integration
// attaches to events so both products can join their data.
type ContentsquareProperties struct {
	ProjectID         string
	SessionNumber     int64
	PageviewNumber    int64
	UserID            string
	SessionTimestamp  int64
	IsSessionReplayed bool
}

// Message is a single captured record. It is immutable once committed to a
// data store.
type Message struct {
	ID            string
	EnvironmentID string
	UserID        string
	Identity      *string
	Time          time.Time
	Session       SessionInfo
	Kind          Kind
	Pageview      *PageviewInfo
	Event         *EventInfo
	Properties    map[string]string
	Device        *DeviceInfo
	Application   *ApplicationInfo
	Library       *LibraryInfo

	// SessionReplay is the joined list of session replay markers added by
	// transformers.
	SessionReplay string
	Contentsquare *ContentsquareProperties
}

// Clone returns a deep copy so a transformed message never shares maps with
// the value the caller still holds.
func (m Message) Clone() Message {
	out := m
	if m.Identity != nil {
		identity := *m.Identity
		out.Identity = &identity
	}
	if m.Pageview != nil {
		pv := *m.Pageview
		pv.Properties = maps.Clone(m.Pageview.Properties)
		out.Pageview = &pv
	}
	if m.Event != nil {
		ev := *m.Event
		out.Event = &ev
	}
	out.Properties = maps.Clone(m.Properties)
	if m.Device != nil {
		d := *m.Device
		out.Device = &d
	}
	if m.Application != nil {
		a := *m.Application
		out.Application = &a
	}
	if m.Library != nil {
		l := *m.Library
		l.Properties = maps.Clone(m.Library.Properties)
		out.Library = &l
	}
	if m.Contentsquare != nil {
		cs := *m.Contentsquare
		out.Contentsquare = &cs
	}
	return out
}

// Transformable projects the fields transformers may read.
func (m Message) Transformable() Transformable {
	return Transformable{
		EnvironmentID: m.EnvironmentID,
		UserID:        m.UserID,
		SessionID:     m.Session.ID,
		Timestamp:     m.Time,
	}
}

// StringPtr is a convenience for optional identities.
func StringPtr(s string) *string { return &s }
