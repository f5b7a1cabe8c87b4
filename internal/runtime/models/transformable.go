package models

import (
	"slices"
	"strings"
	"time"
)

// SessionReplaySeparator joins session replay markers on a message.
const SessionReplaySeparator = ";"

// Transformable is the value handed to each transformer. Every With method
// returns a new value; nothing is shared between steps.
type Transformable struct {
	EnvironmentID string
	UserID        string
	SessionID     string
	Timestamp     time.Time

	SessionReplays []string
	Contentsquare  *ContentsquareProperties
}

// WithSessionReplay appends marker.
func (t Transformable) WithSessionReplay(marker string) Transformable {
	out := t.Clone()
	out.SessionReplays = append(out.SessionReplays, marker)
	return out
}

// WithContentsquare replaces the Contentsquare properties.
func (t Transformable) WithContentsquare(props ContentsquareProperties) Transformable {
	out := t.Clone()
	out.Contentsquare = &props
	return out
}

// Clone deep-copies the side-channel fields.
func (t Transformable) Clone() Transformable {
	out := t
	out.SessionReplays = slices.Clone(t.SessionReplays)
	if t.Contentsquare != nil {
		cs := *t.Contentsquare
		out.Contentsquare = &cs
	}
	return out
}

// ApplyTo returns a copy of msg carrying the enrichment accumulated in t.
func (t Transformable) ApplyTo(msg Message) Message {
	out := msg.Clone()
	if len(t.SessionReplays) > 0 {
		out.SessionReplay = strings.Join(t.SessionReplays, SessionReplaySeparator)
	}
	if t.Contentsquare != nil {
		cs := *t.Contentsquare
		out.Contentsquare = &cs
	}
	return out
}
