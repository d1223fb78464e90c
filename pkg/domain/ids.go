package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "delegation-broker/pkg/domain-errors"
)

// Typed identifiers keep turn, event and token ids from being mixed up at
// compile time. UUID-backed ids are minted by the broker; string ids come
// from external parties (identity provider, agent registry, catalogue).
type (
	TurnID  uuid.UUID
	EventID uuid.UUID
)

type (
	SubjectID string
	AgentID   string
	TargetID  string
	GroupID   string
)

// maxExternalIDLength bounds identifiers read from credentials and requests.
const maxExternalIDLength = 256

func NewTurnID() TurnID   { return TurnID(uuid.New()) }
func NewEventID() EventID { return EventID(uuid.New()) }

func (id TurnID) String() string  { return uuid.UUID(id).String() }
func (id EventID) String() string { return uuid.UUID(id).String() }

func (id TurnID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id EventID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id TurnID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id EventID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *TurnID) UnmarshalText(b []byte) error {
	v, err := ParseTurnID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *EventID) UnmarshalText(b []byte) error {
	v, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id SubjectID) String() string { return string(id) }
func (id AgentID) String() string   { return string(id) }
func (id TargetID) String() string  { return string(id) }
func (id GroupID) String() string   { return string(id) }

// ParseTurnID parses a turn id from external input.
//
// Errors: CodeInvalidInput when the value is empty, malformed or the nil UUID.
func ParseTurnID(s string) (TurnID, error) {
	u, err := parseUUID(s, "turn id")
	return TurnID(u), err
}

// ParseEventID parses an audit event id from external input.
func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s, "event id")
	return EventID(u), err
}

// ParseSubjectID validates a user subject taken from a credential.
func ParseSubjectID(s string) (SubjectID, error) {
	v, err := parseExternal(s, "subject id")
	return SubjectID(v), err
}

// ParseAgentID validates an agent identifier taken from an assertion.
func ParseAgentID(s string) (AgentID, error) {
	v, err := parseExternal(s, "agent id")
	return AgentID(v), err
}

// ParseTargetID validates a target domain identifier from a request.
func ParseTargetID(s string) (TargetID, error) {
	v, err := parseExternal(s, "target domain id")
	return TargetID(v), err
}

// ParseGroupID validates a group name.
func ParseGroupID(s string) (GroupID, error) {
	v, err := parseExternal(s, "group id")
	return GroupID(v), err
}

func parseUUID(s, name string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", name)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+name)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be nil", name)
	}
	return u, nil
}

// parseExternal accepts printable, whitespace-free identifiers of bounded size.
func parseExternal(s, name string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", name)
	}
	if len(s) > maxExternalIDLength {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "%s too long", name)
	}
	if !utf8.ValidString(s) {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "%s must be valid UTF-8", name)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", dErrors.Newf(dErrors.CodeInvalidInput, "%s contains invalid characters", name)
		}
	}
	return s, nil
}
