// Package ledger stores who held which role and decoration, and when, together
// with the capabilities each role grants.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chorus.org/internal/perm"
)

// ActiveRoles returns the roles personID holds on the calendar day of asOf.
// Both ends of a holding are inclusive and an open end covers every later day.
func ActiveRoles(ctx context.Context, r Reader, personID string, asOf time.Time) ([]ActiveRole, error) {
	holdings, err := r.RoleHoldingsOf(ctx, personID)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveRole, 0, len(holdings))
	for _, h := range holdings {
		if !h.ActiveOn(asOf) {
			continue
		}
		role, err := r.Role(ctx, h.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("role %s: %w", h.RoleID, err)
		}
		out = append(out, ActiveRole{Role: role, OrganizationID: role.OrganizationID, HoldingID: h.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldingID < out[j].HoldingID })
	return out, nil
}

// CapabilitiesOf returns the capabilities granted directly to a role. Stored
// names outside the enumeration are dropped.
func CapabilitiesOf(ctx context.Context, r Reader, roleID string) ([]perm.Capability, error) {
	names, err := r.Grants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return perm.ParseList(names), nil
}

// VoiceGroups returns the voice-group roles personID holds on asOf.
func VoiceGroups(ctx context.Context, r Reader, personID string, asOf time.Time) ([]ActiveRole, error) {
	active, err := ActiveRoles(ctx, r, personID, asOf)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, a := range active {
		if a.Role.VoiceGroup() {
			out = append(out, a)
		}
	}
	return out, nil
}
