package iclock

import "strings"

// TerminalUser is a user record as known to a terminal.
type TerminalUser struct {
	PIN        string            `json:"pin"`
	Name       string            `json:"name"`
	Card       string            `json:"card,omitempty"`
	Privilege  string            `json:"privilege,omitempty"`
	Department string            `json:"department,omitempty"`
	Group      string            `json:"group,omitempty"`
	Password   string            `json:"-"`
	Extra      map[string]string `json:"extra,omitempty"`
}

var knownUserKeys = map[string]struct{}{
	"pin": {}, "badgenumber": {}, "enrollnumber": {}, "name": {},
	"card": {}, "cardno": {}, "pri": {}, "privilege": {},
	"dept": {}, "department": {}, "grp": {}, "group": {},
	"passwd": {}, "password": {},
}

// UserFromFields builds a user from a USER line using the detected identifier key.
func UserFromFields(fields Fields) TerminalUser {
	pin := ""
	if f := DetectPinField(fields); f.Detected() {
		pin = fields.Lookup(f.String())
	}
	user := TerminalUser{
		PIN:        pin,
		Name:       fields.Lookup("Name"),
		Card:       fields.Lookup("Card", "CardNo"),
		Privilege:  fields.Lookup("Pri", "Privilege"),
		Department: fields.Lookup("Dept", "Department"),
		Group:      fields.Lookup("Grp", "Group"),
		Password:   fields.Lookup("Passwd", "Password"),
	}
	for k, v := range fields {
		if _, ok := knownUserKeys[strings.ToLower(k)]; ok {
			continue
		}
		if user.Extra == nil {
			user.Extra = make(map[string]string)
		}
		user.Extra[k] = v
	}
	return user
}

// MaskedPassword hides the secret while reporting whether one is set.
func (u TerminalUser) MaskedPassword() string {
	if u.Password == "" {
		return ""
	}
	return strings.Repeat("*", len(u.Password))
}

// UserState distinguishes terminal-confirmed entries from optimistic ones.
type UserState int

const (
	UserConfirmed UserState = iota
	UserProvisional
)

func (s UserState) String() string {
	if s == UserProvisional {
		return "provisional"
	}
	return "confirmed"
}

// UserEntry is a cached user with its confirmation state.
type UserEntry struct {
	User  TerminalUser
	State UserState
}

// Optimistic reports an entry inserted locally and not yet echoed by the terminal.
func (e UserEntry) Optimistic() bool {
	return e.State == UserProvisional
}
