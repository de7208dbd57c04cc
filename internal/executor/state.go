package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// State is the saga's position in the open lifecycle. Exactly one of the
// concrete types below is held at a time.
type State interface {
	Status() domain.PositionStatus
	isState()
}

// Pending: the row exists, nothing has been sent to an exchange.
type Pending struct{}

// Opening: prices and margin were checked and leg orders are in flight.
type Opening struct {
	LongPrice  decimal.Decimal
	ShortPrice decimal.Decimal
}

// Open: both legs filled.
type Open struct {
	Long  domain.OrderFill
	Short domain.OrderFill
}

// Failed: no exposure remains. RolledBack is set when a filled leg had to
// be closed to get here.
type Failed struct {
	Reason     string
	RolledBack bool
}

// Partial: one leg is live and could not be closed.
type Partial struct {
	Filled   domain.LegResult
	Attempts int
}

func (Pending) Status() domain.PositionStatus { return domain.PositionStatusPending }
func (Opening) Status() domain.PositionStatus { return domain.PositionStatusOpening }
func (Open) Status() domain.PositionStatus    { return domain.PositionStatusOpen }
func (Failed) Status() domain.PositionStatus  { return domain.PositionStatusFailed }
func (Partial) Status() domain.PositionStatus { return domain.PositionStatusPartial }

func (Pending) isState() {}
func (Opening) isState() {}
func (Open) isState()    {}
func (Failed) isState()  {}
func (Partial) isState() {}

// Event drives Transition.
type Event interface{ isEvent() }

// MarginChecked moves a pending position into submission.
type MarginChecked struct {
	LongPrice  decimal.Decimal
	ShortPrice decimal.Decimal
}

// Aborted ends the saga before any leg filled.
type Aborted struct{ Reason string }

// LegsFilled reports that both legs filled.
type LegsFilled struct {
	Long  domain.OrderFill
	Short domain.OrderFill
}

// RolledBack reports that the only filled leg was closed again.
type RolledBack struct{ Reason string }

// RollbackExhausted reports that the filled leg is still live.
type RollbackExhausted struct {
	Filled   domain.LegResult
	Attempts int
}

func (MarginChecked) isEvent()     {}
func (Aborted) isEvent()           {}
func (LegsFilled) isEvent()        {}
func (RolledBack) isEvent()        {}
func (RollbackExhausted) isEvent() {}

// Transition returns the state reached by applying e to s, or an error
// wrapping domain.ErrInvalidTransition.
func Transition(s State, e Event) (State, error) {
	var next State
	switch s.(type) {
	case Pending:
		switch ev := e.(type) {
		case MarginChecked:
			next = Opening{LongPrice: ev.LongPrice, ShortPrice: ev.ShortPrice}
		case Aborted:
			next = Failed{Reason: ev.Reason}
		}
	case Opening:
		switch ev := e.(type) {
		case LegsFilled:
			next = Open{Long: ev.Long, Short: ev.Short}
		case Aborted:
			next = Failed{Reason: ev.Reason}
		case RolledBack:
			next = Failed{Reason: ev.Reason, RolledBack: true}
		case RollbackExhausted:
			next = Partial{Filled: ev.Filled, Attempts: ev.Attempts}
		}
	}
	if next == nil || !domain.CanTransition(s.Status(), next.Status()) {
		return s, fmt.Errorf("executor: %T on %s: %w", e, s.Status(), domain.ErrInvalidTransition)
	}
	return next, nil
}
