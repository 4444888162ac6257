package membership

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is an opaque, stable key. On the wire it may be a JSON string or number.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Role struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"isActive"`
}

type Account struct {
	ID        ID     `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Active    bool   `json:"isActive"`
	Roles     []Role `json:"roles"`
}

// HasRole reports whether the local copy holds roleID.
func (a *Account) HasRole(roleID ID) bool {
	for _, r := range a.Roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}

// AddRole adds r to the local copy unless it is already held. It does not
// touch storage.
func (a *Account) AddRole(r Role) bool {
	if r.ID.IsZero() || a.HasRole(r.ID) {
		return false
	}
	a.Roles = append(a.Roles, r)
	return true
}

// RemoveRole drops roleID from the local copy. It does not touch storage.
func (a *Account) RemoveRole(roleID ID) bool {
	out := a.Roles[:0]
	removed := false
	for _, r := range a.Roles {
		if r.ID == roleID {
			removed = true
			continue
		}
		out = append(out, r)
	}
	a.Roles = out
	return removed
}

// RoleNames is used for log attributes.
func (a *Account) RoleNames() []string {
	out := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		out = append(out, r.Name)
	}
	return out
}
