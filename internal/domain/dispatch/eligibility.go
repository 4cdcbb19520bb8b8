package dispatch

import (
	"context"
	"sort"
)

// Eligible previews the agents that could take b, best candidate first.
// It only reads; Reserve makes the authoritative check. limit <= 0 means no cap.
func Eligible(ctx context.Context, b *Booking, agents AgentRepository, limit int) ([]*Agent, error) {
	if b == nil || !b.Assignable() {
		return nil, nil
	}
	filter := EligibleFilter
	filter.Limit = limit
	candidates, err := agents.ListEligible(ctx, filter)
	if err != nil {
		return nil, err
	}
	// Repositories already order, but the tie-break is part of the contract.
	SortByLoad(candidates)
	return candidates, nil
}

// SortByLoad orders agents by ascending current bookings, then ascending id.
func SortByLoad(agents []*Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].CurrentBookingsCount != agents[j].CurrentBookingsCount {
			return agents[i].CurrentBookingsCount < agents[j].CurrentBookingsCount
		}
		return agents[i].ID < agents[j].ID
	})
}
