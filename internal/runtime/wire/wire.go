// Package wire encodes capture payloads in the collector's protobuf format.
//
// The schema is small and stable, so messages are written field by field
// with protowire instead of generated code. Map entries are written in key
// order so encoded sizes are deterministic.
package wire

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/heapflow/internal/runtime/models"
)

// Field numbers of the collector schema.
const (
	messageID            protowire.Number = 1
	messageTime          protowire.Number = 2
	messageEnvID         protowire.Number = 3
	messageUser          protowire.Number = 4
	messageIdentity      protowire.Number = 5
	messageLibrary       protowire.Number = 6
	messageDevice        protowire.Number = 7
	messageSessionInfo   protowire.Number = 8
	messageApplication   protowire.Number = 9
	messageProperties    protowire.Number = 10
	messagePageviewInfo  protowire.Number = 11
	messageKindSession   protowire.Number = 12
	messageKindPageview  protowire.Number = 13
	messageKindEvent     protowire.Number = 14
	messageSessionReplay protowire.Number = 15
	messageContentsquare protowire.Number = 16

	batchEvents protowire.Number = 1

	userPropsEnvID      protowire.Number = 1
	userPropsUserID     protowire.Number = 2
	userPropsProperties protowire.Number = 3
	userPropsLibrary    protowire.Number = 4

	identifyEnvID    protowire.Number = 1
	identifyUserID   protowire.Number = 2
	identifyIdentity protowire.Number = 3
	identifyLibrary  protowire.Number = 4
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("wire: malformed payload")

// EncodeMessage serialises a single message.
func EncodeMessage(m models.Message) []byte {
	var b []byte
	b = appendString(b, messageID, m.ID)
	b = appendTimestamp(b, messageTime, m.Time)
	b = appendString(b, messageEnvID, m.EnvironmentID)
	b = appendString(b, messageUser, m.UserID)
	if m.Identity != nil {
		b = protowire.AppendTag(b, messageIdentity, protowire.BytesType)
		b = protowire.AppendString(b, *m.Identity)
	}
	if m.Library != nil {
		b = appendMessage(b, messageLibrary, encodeLibrary(*m.Library))
	}
	if m.Device != nil {
		b = appendMessage(b, messageDevice, encodeDevice(*m.Device))
	}
	b = appendMessage(b, messageSessionInfo, encodeSessionInfo(m.Session))
	if m.Application != nil {
		b = appendMessage(b, messageApplication, encodeApplication(*m.Application))
	}
	b = appendProperties(b, messageProperties, m.Properties)
	if m.Pageview != nil {
		b = appendMessage(b, messagePageviewInfo, encodePageview(*m.Pageview))
	}
	switch m.Kind {
	case models.KindSession:
		b = appendMessage(b, messageKindSession, nil)
	case models.KindPageview:
		b = appendMessage(b, messageKindPageview, nil)
	case models.KindEvent:
		var ev models.EventInfo
		if m.Event != nil {
			ev = *m.Event
		}
		b = appendMessage(b, messageKindEvent, encodeEvent(ev))
	}
	b = appendString(b, messageSessionReplay, m.SessionReplay)
	if m.Contentsquare != nil {
		b = appendMessage(b, messageContentsquare, encodeContentsquare(*m.Contentsquare))
	}
	return b
}

// EncodeMessageBatch wraps already-encoded messages in a MessageBatch.
func EncodeMessageBatch(payloads [][]byte) []byte {
	var b []byte
	for _, p := range payloads {
		b = appendMessage(b, batchEvents, p)
	}
	return b
}

// EncodeUserProperties builds the add_user_properties payload.
func EncodeUserProperties(envID, userID string, props map[string]string, lib *models.LibraryInfo) []byte {
	var b []byte
	b = appendString(b, userPropsEnvID, envID)
	b = appendString(b, userPropsUserID, userID)
	b = appendProperties(b, userPropsProperties, props)
	if lib != nil {
		b = appendMessage(b, userPropsLibrary, encodeLibrary(*lib))
	}
	return b
}

// EncodeUserIdentification builds the identify payload.
func EncodeUserIdentification(envID, userID, identity string, lib *models.LibraryInfo) []byte {
	var b []byte
	b = appendString(b, identifyEnvID, envID)
	b = appendString(b, identifyUserID, userID)
	b = appendString(b, identifyIdentity, identity)
	if lib != nil {
		b = appendMessage(b, identifyLibrary, encodeLibrary(*lib))
	}
	return b
}

func encodeLibrary(l models.LibraryInfo) []byte {
	var b []byte
	b = appendString(b, 1, l.Platform)
	b = appendString(b, 2, l.Version)
	b = appendString(b, 3, l.Name)
	b = appendProperties(b, 4, l.Properties)
	return b
}

func encodeDevice(d models.DeviceInfo) []byte {
	var b []byte
	b = appendString(b, 1, d.ID)
	b = appendString(b, 2, d.Platform)
	b = appendString(b, 3, d.Model)
	b = appendString(b, 4, d.Carrier)
	return b
}

func encodeApplication(a models.ApplicationInfo) []byte {
	var b []byte
	b = appendString(b, 1, a.ID)
	b = appendString(b, 2, a.Name)
	b = appendString(b, 3, a.Version)
	return b
}

func encodeSessionInfo(s models.SessionInfo) []byte {
	var b []byte
	b = appendString(b, 1, s.ID)
	b = appendTimestamp(b, 2, s.Time)
	return b
}

func encodePageview(p models.PageviewInfo) []byte {
	var b []byte
	b = appendString(b, 1, p.ID)
	b = appendTimestamp(b, 2, p.Time)
	b = appendString(b, 3, p.Title)
	b = appendString(b, 4, p.URL)
	b = appendProperties(b, 5, p.Properties)
	return b
}

func encodeEvent(e models.EventInfo) []byte {
	var b []byte
	b = appendString(b, 1, e.Name)
	b = appendString(b, 2, e.SourceName)
	return b
}

func encodeContentsquare(c models.ContentsquareProperties) []byte {
	var b []byte
	b = appendString(b, 1, c.ProjectID)
	b = appendVarint(b, 2, uint64(c.SessionNumber))
	b = appendVarint(b, 3, uint64(c.PageviewNumber))
	b = appendString(b, 4, c.UserID)
	b = appendVarint(b, 5, uint64(c.SessionTimestamp))
	if c.IsSessionReplayed {
		b = appendVarint(b, 6, 1)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendTimestamp(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	var ts []byte
	ts = appendVarint(ts, 1, uint64(t.Unix()))
	ts = appendVarint(ts, 2, uint64(t.Nanosecond()))
	return appendMessage(b, num, ts)
}

// appendProperties writes a map<string, Value> where Value holds a string in
// field 1.
func appendProperties(b []byte, num protowire.Number, props map[string]string) []byte {
	if len(props) == 0 {
		return b
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var value []byte
		value = protowire.AppendTag(value, 1, protowire.BytesType)
		value = protowire.AppendString(value, props[k])

		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = appendMessage(entry, 2, value)

		b = appendMessage(b, num, entry)
	}
	return b
}

func malformed(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, protowire.ParseError(n))
}
