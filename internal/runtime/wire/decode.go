package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/heapflow/internal/runtime/models"
)

// fieldFunc handles one field; it returns the number of bytes consumed or a
// negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walk(what string, b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(what, n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		switch m {
		case skipField:
			m = protowire.ConsumeFieldValue(num, typ, b)
		case nestedError:
			return fmt.Errorf("%w: %s: invalid field %d", ErrMalformed, what, num)
		}
		if m < 0 {
			return malformed(what, m)
		}
		b = b[m:]
	}
	return nil
}

const (
	skipField   = -1 << 30
	nestedError = -1 << 29
)

func bytesField(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

func stringField(typ protowire.Type, b []byte, dst *string) int {
	var raw []byte
	n := bytesField(typ, b, &raw)
	if n >= 0 {
		*dst = string(raw)
	}
	return n
}

func varintField(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return skipField
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

// nested decodes a length-delimited submessage with decode.
func nested(typ protowire.Type, b []byte, decode func([]byte) error) int {
	var raw []byte
	n := bytesField(typ, b, &raw)
	if n < 0 {
		return n
	}
	if err := decode(raw); err != nil {
		return nestedError
	}
	return n
}

// DecodeMessage parses a payload produced by EncodeMessage.
func DecodeMessage(b []byte) (models.Message, error) {
	var m models.Message
	err := walk("message", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case messageID:
			return stringField(typ, b, &m.ID)
		case messageTime:
			return nested(typ, b, func(raw []byte) (err error) { m.Time, err = decodeTimestamp(raw); return })
		case messageEnvID:
			return stringField(typ, b, &m.EnvironmentID)
		case messageUser:
			return stringField(typ, b, &m.UserID)
		case messageIdentity:
			var identity string
			n := stringField(typ, b, &identity)
			if n >= 0 {
				m.Identity = &identity
			}
			return n
		case messageLibrary:
			return nested(typ, b, func(raw []byte) error {
				lib, err := decodeLibrary(raw)
				m.Library = &lib
				return err
			})
		case messageDevice:
			return nested(typ, b, func(raw []byte) error {
				var d models.DeviceInfo
				err := walk("device", raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return stringField(typ, b, &d.ID)
					case 2:
						return stringField(typ, b, &d.Platform)
					case 3:
						return stringField(typ, b, &d.Model)
					case 4:
						return stringField(typ, b, &d.Carrier)
					}
					return skipField
				})
				m.Device = &d
				return err
			})
		case messageSessionInfo:
			return nested(typ, b, func(raw []byte) error {
				return walk("session_info", raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return stringField(typ, b, &m.Session.ID)
					case 2:
						return nested(typ, b, func(raw []byte) (err error) { m.Session.Time, err = decodeTimestamp(raw); return })
					}
					return skipField
				})
			})
		case messageApplication:
			return nested(typ, b, func(raw []byte) error {
				var a models.ApplicationInfo
				err := walk("application", raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return stringField(typ, b, &a.ID)
					case 2:
						return stringField(typ, b, &a.Name)
					case 3:
						return stringField(typ, b, &a.Version)
					}
					return skipField
				})
				m.Application = &a
				return err
			})
		case messageProperties:
			if m.Properties == nil {
				m.Properties = make(map[string]string)
			}
			return nested(typ, b, func(raw []byte) error { return decodeProperty(raw, m.Properties) })
		case messagePageviewInfo:
			return nested(typ, b, func(raw []byte) error {
				pv, err := decodePageview(raw)
				m.Pageview = &pv
				return err
			})
		case messageKindSession:
			m.Kind = models.KindSession
			return skipField
		case messageKindPageview:
			m.Kind = models.KindPageview
			return skipField
		case messageKindEvent:
			m.Kind = models.KindEvent
			return nested(typ, b, func(raw []byte) error {
				var ev models.EventInfo
				err := walk("event", raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return stringField(typ, b, &ev.Name)
					case 2:
						return stringField(typ, b, &ev.SourceName)
					}
					return skipField
				})
				m.Event = &ev
				return err
			})
		case messageSessionReplay:
			return stringField(typ, b, &m.SessionReplay)
		case messageContentsquare:
			return nested(typ, b, func(raw []byte) error {
				cs, err := decodeContentsquare(raw)
				m.Contentsquare = &cs
				return err
			})
		}
		return skipField
	})
	return m, err
}

// DecodeMessageBatch splits a MessageBatch into its encoded messages.
func DecodeMessageBatch(b []byte) ([][]byte, error) {
	var out [][]byte
	err := walk("batch", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != batchEvents {
			return skipField
		}
		var raw []byte
		n := bytesField(typ, b, &raw)
		if n >= 0 {
			out = append(out, raw)
		}
		return n
	})
	return out, err
}

// UserPayload is the decoded form of add_user_properties and identify bodies.
type UserPayload struct {
	EnvironmentID string
	UserID        string
	Identity      string
	Properties    map[string]string
	Library       *models.LibraryInfo
}

// DecodeUserProperties parses an add_user_properties body.
func DecodeUserProperties(b []byte) (UserPayload, error) {
	p := UserPayload{Properties: map[string]string{}}
	err := walk("user_properties", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case userPropsEnvID:
			return stringField(typ, b, &p.EnvironmentID)
		case userPropsUserID:
			return stringField(typ, b, &p.UserID)
		case userPropsProperties:
			return nested(typ, b, func(raw []byte) error { return decodeProperty(raw, p.Properties) })
		case userPropsLibrary:
			return nested(typ, b, func(raw []byte) error {
				lib, err := decodeLibrary(raw)
				p.Library = &lib
				return err
			})
		}
		return skipField
	})
	return p, err
}

// DecodeUserIdentification parses an identify body.
func DecodeUserIdentification(b []byte) (UserPayload, error) {
	var p UserPayload
	err := walk("identify", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case identifyEnvID:
			return stringField(typ, b, &p.EnvironmentID)
		case identifyUserID:
			return stringField(typ, b, &p.UserID)
		case identifyIdentity:
			return stringField(typ, b, &p.Identity)
		case identifyLibrary:
			return nested(typ, b, func(raw []byte) error {
				lib, err := decodeLibrary(raw)
				p.Library = &lib
				return err
			})
		}
		return skipField
	})
	return p, err
}

func decodeTimestamp(b []byte) (time.Time, error) {
	var secs, nanos uint64
	err := walk("timestamp", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varintField(typ, b, &secs)
		case 2:
			return varintField(typ, b, &nanos)
		}
		return skipField
	})
	return time.Unix(int64(secs), int64(nanos)), err
}

func decodeLibrary(b []byte) (models.LibraryInfo, error) {
	var l models.LibraryInfo
	err := walk("library", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return stringField(typ, b, &l.Platform)
		case 2:
			return stringField(typ, b, &l.Version)
		case 3:
			return stringField(typ, b, &l.Name)
		case 4:
			if l.Properties == nil {
				l.Properties = make(map[string]string)
			}
			return nested(typ, b, func(raw []byte) error { return decodeProperty(raw, l.Properties) })
		}
		return skipField
	})
	return l, err
}

func decodePageview(b []byte) (models.PageviewInfo, error) {
	var p models.PageviewInfo
	err := walk("pageview_info", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return stringField(typ, b, &p.ID)
		case 2:
			return nested(typ, b, func(raw []byte) (err error) { p.Time, err = decodeTimestamp(raw); return })
		case 3:
			return stringField(typ, b, &p.Title)
		case 4:
			return stringField(typ, b, &p.URL)
		case 5:
			if p.Properties == nil {
				p.Properties = make(map[string]string)
			}
			return nested(typ, b, func(raw []byte) error { return decodeProperty(raw, p.Properties) })
		}
		return skipField
	})
	return p, err
}

func decodeContentsquare(b []byte) (models.ContentsquareProperties, error) {
	var (
		c                            models.ContentsquareProperties
		session, pageview, ts, flags uint64
	)
	err := walk("contentsquare", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return stringField(typ, b, &c.ProjectID)
		case 2:
			return varintField(typ, b, &session)
		case 3:
			return varintField(typ, b, &pageview)
		case 4:
			return stringField(typ, b, &c.UserID)
		case 5:
			return varintField(typ, b, &ts)
		case 6:
			return varintField(typ, b, &flags)
		}
		return skipField
	})
	c.SessionNumber = int64(session)
	c.PageviewNumber = int64(pageview)
	c.SessionTimestamp = int64(ts)
	c.IsSessionReplayed = flags != 0
	return c, err
}

func decodeProperty(b []byte, dst map[string]string) error {
	var key, value string
	err := walk("property", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return stringField(typ, b, &key)
		case 2:
			return nested(typ, b, func(raw []byte) error {
				return walk("value", raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num == 1 {
						return stringField(typ, b, &value)
					}
					return skipField
				})
			})
		}
		return skipField
	})
	if err == nil {
		dst[key] = value
	}
	return err
}
