package access

import (
	"fmt"

	"campusbarter/internal/domain"
)

// Role describes a user's relation to a trade.
type Role string

const (
	Initiator Role = "initiator"
	Recipient Role = "recipient"
	None      Role = "none"
)

// On reports userID's role on the trade.
func On(t domain.Trade, userID int64) Role {
	switch userID {
	case t.InitiatorID:
		return Initiator
	case t.RecipientID:
		return Recipient
	default:
		return None
	}
}

// ForbiddenError indicates the user is not allowed to act on the entity.
type ForbiddenError struct {
	Entity string
	ID     int64
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s %s %d", e.Action, e.Entity, e.ID)
}

// InvalidTradeError indicates a trade proposal that violates trade rules.
type InvalidTradeError struct {
	Reason string
}

func (e InvalidTradeError) Error() string {
	return fmt.Sprintf("invalid trade: %s", e.Reason)
}

// InvalidTransitionError indicates a status change the state machine
// rejects, or a mutation attempted on a trade in a terminal status.
// To is empty for the latter.
type InvalidTransitionError struct {
	TradeID int64
	From    string
	To      string
}

func (e InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("trade %d is %s and closed to changes", e.TradeID, e.From)
	}
	return fmt.Sprintf("trade %d cannot move from %s to %s", e.TradeID, e.From, e.To)
}

// InvalidArgumentError indicates malformed caller input.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
