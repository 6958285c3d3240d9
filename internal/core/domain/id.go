package domain

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// UserID is the opaque identifier the matchmaking service assigns to an
// account. The reference server uses integers, so numeric ids travel as
// JSON numbers and everything else as strings.
type UserID string

// RoomID is the server-assigned identifier of one pairing.
type RoomID string

// SessionID correlates the log lines of one local MatchSession.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (id UserID) String() string    { return string(id) }
func (id RoomID) String() string    { return string(id) }
func (id SessionID) String() string { return string(id) }

func (id UserID) IsZero() bool { return id == "" }

// Less orders ids for the glare tie-break: numerically when both ids
// are integers, lexically otherwise.
func (id UserID) Less(other UserID) bool {
	a, okA := id.numeric()
	b, okB := other.numeric()
	if okA && okB {
		return a < b
	}
	return id < other
}

// numeric reports whether id is the canonical decimal form of an int.
func (id UserID) numeric() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != string(id) {
		return 0, false
	}
	return n, true
}

func (id UserID) MarshalJSON() ([]byte, error) {
	if _, ok := id.numeric(); ok {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}
