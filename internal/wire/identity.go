package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserID is the canonical numeric form of a user identity. Browser clients
// are sloppy about the wire representation (localStorage round-trips turn
// numbers into strings), so decoding accepts both `7` and `"7"` and
// normalizes them to the same identity.
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

func (id UserID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(id), 10)), nil
}

func (id *UserID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
	}
	if s == "" || s == "null" {
		return fmt.Errorf("user id must not be empty")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", s, err)
	}
	*id = UserID(n)
	return nil
}

// UserInfo is the display profile attached to an identity. It is supplied by
// the client on register/call and optionally enriched through the user
// directory collaborator.
type UserInfo struct {
	ID       UserID `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}
