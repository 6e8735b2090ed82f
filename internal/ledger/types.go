package ledger

import (
	"regexp"
	"time"

	"chorus.org/internal/ids"
)

// Organization is a choir. Roles, decorations and events belong to exactly one.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name" validate:"required"`
}

// Preferences are personal settings that affect authorization.
type Preferences struct {
	// CrossOrg lifts organization scoping when the person also holds the cross-org capability.
	CrossOrg bool `json:"cross_org"`
}

// Person is a member tracked by the registry, distinct from their login identity.
type Person struct {
	ID          string      `json:"id"`
	Name        string      `json:"name" validate:"required"`
	Email       string      `json:"email,omitempty" validate:"omitempty,email"`
	LoginID     string      `json:"login_id,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// Role is a named position within an organization. An empty OrganizationID
// marks a role that belongs to no choir.
type Role struct {
	ID             string `json:"id"`
	Name           string `json:"name" validate:"required"`
	OrganizationID string `json:"organization_id,omitempty"`
	Structural     bool   `json:"structural"`
}

var voiceGroupPattern = regexp.MustCompile(`^[12][12]?[SATB]$`)

// VoiceGroup reports whether the role names a voice group such as "1T" or "21S".
func (r Role) VoiceGroup() bool {
	return voiceGroupPattern.MatchString(r.Name)
}

// RoleHolding assigns a person to a role for the inclusive interval [Start, End].
// A nil End is still active.
type RoleHolding struct {
	ID       string     `json:"id"`
	PersonID string     `json:"person_id" validate:"required"`
	RoleID   string     `json:"role_id" validate:"required"`
	Start    time.Time  `json:"start" validate:"required"`
	End      *time.Time `json:"end,omitempty"`
}

// ActiveOn reports whether the holding's interval contains the calendar day of d.
func (h RoleHolding) ActiveOn(d time.Time) bool {
	day := Day(d)
	if day.Before(Day(h.Start)) {
		return false
	}
	return h.End == nil || !day.After(Day(*h.End))
}

// Decoration is an honorary award. LowerTierID names the award a person must
// already hold before receiving this one.
type Decoration struct {
	ID             string `json:"id"`
	Name           string `json:"name" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	LowerTierID    string `json:"lower_tier_id,omitempty"`
}

// DecorationHolding records when a person received a decoration.
type DecorationHolding struct {
	ID           string    `json:"id"`
	PersonID     string    `json:"person_id" validate:"required"`
	DecorationID string    `json:"decoration_id" validate:"required"`
	Start        time.Time `json:"start" validate:"required"`
}

// Event is a scheduled occasion in an organization's season plan.
type Event struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required"`
	OrganizationID string    `json:"organization_id" validate:"required"`
	Start          time.Time `json:"start" validate:"required"`
}

// Attendance invites a person to an event.
type Attendance struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id" validate:"required"`
	PersonID string `json:"person_id" validate:"required"`
}

// ActiveRole is a role held on a given day together with its organization.
type ActiveRole struct {
	Role           Role   `json:"role"`
	OrganizationID string `json:"organization_id,omitempty"`
	HoldingID      string `json:"holding_id"`
}

// Window selects which role holdings count when traversing membership.
// The zero Window admits every holding.
type Window struct {
	AsOf       time.Time
	Historical bool
}

// Admits reports whether h is inside the window. Historical windows admit any
// holding that started on or before AsOf.
func (w Window) Admits(h RoleHolding) bool {
	if w.AsOf.IsZero() {
		return true
	}
	if w.Historical {
		return !Day(h.Start).After(Day(w.AsOf))
	}
	return h.ActiveOn(w.AsOf)
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newID() string {
	return ids.New()
}
