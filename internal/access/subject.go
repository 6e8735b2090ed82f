package access

import (
	"time"

	"chorus.org/internal/perm"
)

// Subject is the explicit context of one authorization request: who is asking,
// as of which day, with which overrides. It is passed to every resolver, query
// and field call and never read from shared state.
type Subject struct {
	PersonID string
	AsOf     time.Time
	// Superuser is set by the authentication layer for the distinguished
	// administrator identity. Only superusers may elevate.
	Superuser bool
	Overrides Overrides
}

// Overrides adjust capability resolution for a single request.
type Overrides struct {
	// SimulateNoCapabilities previews the system as a person without roles.
	SimulateNoCapabilities bool
	// Elevate synthesizes grants for superusers.
	Elevate *Elevation
	// CrossOrg carries the person's cross-choir preference. It only lifts
	// organization scoping together with the cross-org capability.
	CrossOrg bool
	// IncludeInactive widens read visibility to people whose holdings have
	// ended. It never adds capabilities.
	IncludeInactive bool
}

// Elevation describes the grants a superuser assumes.
type Elevation struct {
	AllOrganizations bool
	OrganizationID   string
	AllCapabilities  bool
	Capabilities     []perm.Capability
}
