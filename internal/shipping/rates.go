package shipping

import (
	"strings"

	"github.com/angelmondragon/pantry-backend/pkg/shippo"
)

// SelectRate picks the cheapest rate from the preferred carrier, falling back
// to the cheapest rate overall.
func SelectRate(rates []shippo.Rate, preferredCarrier string) (shippo.Rate, bool) {
	preferredCarrier = strings.TrimSpace(preferredCarrier)
	if preferredCarrier != "" {
		if rate, ok := cheapest(rates, func(r shippo.Rate) bool {
			return strings.EqualFold(r.Provider, preferredCarrier)
		}); ok {
			return rate, true
		}
	}
	return cheapest(rates, func(shippo.Rate) bool { return true })
}

func cheapest(rates []shippo.Rate, keep func(shippo.Rate) bool) (shippo.Rate, bool) {
	var (
		best  shippo.Rate
		found bool
	)
	for _, r := range rates {
		if strings.TrimSpace(r.ObjectID) == "" || !keep(r) {
			continue
		}
		if !found || r.Amount.LessThan(best.Amount) {
			best = r
			found = true
		}
	}
	return best, found
}
