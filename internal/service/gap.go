package service

import "replenishment-service/internal/models"

// Needed returns, for every size, the positive shortfall of onHand against
// desired. Sizes missing from either map count as zero; only strictly positive
// entries are returned.
func Needed(onHand, desired models.Sizes) models.Sizes {
	needed := make(models.Sizes)
	for size, target := range desired {
		if gap := target - onHand[size]; gap > 0 {
			needed[size] = gap
		}
	}
	return needed
}
