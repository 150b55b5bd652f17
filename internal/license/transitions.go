package license

import (
	"slices"

	"github.com/licensedesk/licensedesk/internal/model"
)

// Transition is a change of license status.
type Transition struct {
	From model.LicenseStatus
	To   model.LicenseStatus
}

// validTransitions lists every status change an admin may request.
var validTransitions = map[Transition]bool{
	{model.LicenseAwaitingActivation, model.LicenseActive}:    true, // manual activation
	{model.LicenseAwaitingActivation, model.LicenseSuspended}: true,
	{model.LicenseAwaitingActivation, model.LicenseRevoked}:   true,
	{model.LicenseAwaitingActivation, model.LicenseBlocked}:   true,
	{model.LicenseActive, model.LicenseSuspended}:             true,
	{model.LicenseActive, model.LicenseRevoked}:               true,
	{model.LicenseActive, model.LicenseBlocked}:               true,
	{model.LicenseSuspended, model.LicenseActive}:             true,
	{model.LicenseSuspended, model.LicenseRevoked}:            true,
	{model.LicenseBlocked, model.LicenseActive}:               true,
	{model.LicenseBlocked, model.LicenseRevoked}:              true,
	{model.LicenseRevoked, model.LicenseActive}:               true, // explicit admin reactivation only
}

// CanTransition reports whether a license may move from one status to another.
func CanTransition(from, to model.LicenseStatus) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the statuses reachable from from, sorted.
func ValidTransitionsFrom(from model.LicenseStatus) []model.LicenseStatus {
	targets := make([]model.LicenseStatus, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}
