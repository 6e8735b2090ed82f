package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrProtected    = errors.New("structural record is protected")
)

// OrderingError reports a decoration holding whose lower tier is missing or
// was received later.
type OrderingError struct {
	Holding    DecorationHolding
	Decoration string
	LowerTier  string
	// Lower is the earliest holding of the lower tier, when one exists.
	Lower *DecorationHolding
}

func (e *OrderingError) Error() string {
	start := e.Holding.Start.Format(DateLayout)
	if e.Lower == nil {
		return fmt.Sprintf("decoration holding %s (%s from %s) requires a holding of %s on or before that date, found none",
			e.Holding.ID, e.Decoration, start, e.LowerTier)
	}
	return fmt.Sprintf("decoration holding %s (%s from %s) requires a holding of %s on or before that date, earliest is %s from %s",
		e.Holding.ID, e.Decoration, start, e.LowerTier, e.Lower.ID, e.Lower.Start.Format(DateLayout))
}

func (e *OrderingError) Unwrap() error { return ErrInvalidInput }

// DateLayout is the calendar-day format used in messages and on the wire.
const DateLayout = "2006-01-02"
