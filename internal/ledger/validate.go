package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}()

// Validate checks the struct tags of a ledger record and returns an error
// wrapping ErrInvalidInput.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

// ValidateRoleHolding checks required fields and that End is not before Start.
// Dates are normalised to calendar days in place.
func ValidateRoleHolding(h *RoleHolding) error {
	if err := Validate(h); err != nil {
		return err
	}
	h.Start = Day(h.Start)
	if h.End != nil {
		end := Day(*h.End)
		if end.Before(h.Start) {
			return fmt.Errorf("%w: end %s is before start %s", ErrInvalidInput,
				end.Format(DateLayout), h.Start.Format(DateLayout))
		}
		h.End = &end
	}
	return nil
}

// ValidateDecorationHolding checks required fields and normalises Start.
func ValidateDecorationHolding(h *DecorationHolding) error {
	if err := Validate(h); err != nil {
		return err
	}
	h.Start = Day(h.Start)
	return nil
}

// CheckDecorationOrder verifies that every holding in holdings (all belonging
// to one person) is preceded by a holding of its decoration's lower tier.
// decorations must contain every decoration referenced by holdings and their
// lower tiers.
func CheckDecorationOrder(decorations map[string]Decoration, holdings []DecorationHolding) error {
	earliest := make(map[string]DecorationHolding, len(holdings))
	for _, h := range holdings {
		cur, ok := earliest[h.DecorationID]
		if !ok || h.Start.Before(cur.Start) {
			earliest[h.DecorationID] = h
		}
	}
	ordered := append([]DecorationHolding(nil), holdings...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Start.Before(ordered[j].Start)
	})
	for _, h := range ordered {
		d, ok := decorations[h.DecorationID]
		if !ok {
			return fmt.Errorf("%w: decoration %s", ErrNotFound, h.DecorationID)
		}
		if d.LowerTierID == "" {
			continue
		}
		lowerName := d.LowerTierID
		if lower, ok := decorations[d.LowerTierID]; ok {
			lowerName = lower.Name
		}
		lower, held := earliest[d.LowerTierID]
		if held && !Day(lower.Start).After(Day(h.Start)) {
			continue
		}
		oe := &OrderingError{Holding: h, Decoration: d.Name, LowerTier: lowerName}
		if held {
			l := lower
			oe.Lower = &l
		}
		return oe
	}
	return nil
}

// ValidateTierLink checks that making lowerID the lower tier of id keeps the
// decorations a set of strict chains within one organization.
func ValidateTierLink(decorations map[string]Decoration, id, lowerID string) error {
	d, ok := decorations[id]
	if !ok {
		return fmt.Errorf("%w: decoration %s", ErrNotFound, id)
	}
	if lowerID == "" {
		return nil
	}
	lower, ok := decorations[lowerID]
	if !ok {
		return fmt.Errorf("%w: decoration %s", ErrNotFound, lowerID)
	}
	if lowerID == id {
		return fmt.Errorf("%w: %s cannot be its own lower tier", ErrInvalidInput, d.Name)
	}
	if lower.OrganizationID != d.OrganizationID {
		return fmt.Errorf("%w: %s and %s belong to different organizations", ErrInvalidInput, d.Name, lower.Name)
	}
	for _, other := range decorations {
		if other.ID != id && other.LowerTierID == lowerID {
			return fmt.Errorf("%w: %s is already the lower tier of %s", ErrConflict, lower.Name, other.Name)
		}
	}
	seen := map[string]bool{id: true}
	for cur := lower; cur.LowerTierID != ""; {
		if seen[cur.LowerTierID] {
			return fmt.Errorf("%w: linking %s below %s creates a cycle", ErrInvalidInput, lower.Name, d.Name)
		}
		seen[cur.ID] = true
		next, ok := decorations[cur.LowerTierID]
		if !ok {
			break
		}
		cur = next
	}
	return nil
}
