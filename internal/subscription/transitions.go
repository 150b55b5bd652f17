package subscription

import "github.com/licensedesk/licensedesk/internal/model"

// Transition is a change of subscription status.
type Transition struct {
	From model.SubscriptionStatus
	To   model.SubscriptionStatus
}

var validTransitions = map[Transition]bool{
	{model.SubscriptionActive, model.SubscriptionExpired}:      true, // period elapsed
	{model.SubscriptionActive, model.SubscriptionCancelled}:    true,
	{model.SubscriptionActive, model.SubscriptionSuspended}:    true, // payment refunded
	{model.SubscriptionExpired, model.SubscriptionActive}:      true, // renewed or extended
	{model.SubscriptionCancelled, model.SubscriptionActive}:    true,
	{model.SubscriptionSuspended, model.SubscriptionActive}:    true,
	{model.SubscriptionSuspended, model.SubscriptionCancelled}: true,
}

// CanTransition reports whether a subscription may move from one status to
// another.
func CanTransition(from, to model.SubscriptionStatus) bool {
	return validTransitions[Transition{from, to}]
}
