package classify

import (
	"triagebot/internal/domain"
	"triagebot/internal/taxonomy"
)

// fallbackRouting is fixed: low-confidence tickets always land in the general
// review queue at medium priority, whatever the taxonomy file says.
var fallbackRouting = domain.RoutingDecision{Priority: "medium", Team: "general-review"}

// ResolveRouting maps a classification to its priority tier and handling
// team from the taxonomy metadata. Pure function, no I/O.
func ResolveRouting(result domain.ClassificationResult, reg *taxonomy.Registry) domain.RoutingDecision {
	if result.Category == taxonomy.Fallback {
		return fallbackRouting
	}
	def, err := reg.Get(result.Category)
	if err != nil {
		// Decide only emits members of the closed set, so this is unreachable
		// short of a mismatched registry; fail safe into review.
		return fallbackRouting
	}
	return domain.RoutingDecision{Priority: def.Priority, Team: def.Team}
}
