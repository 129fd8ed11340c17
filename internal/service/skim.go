package service

import (
	"github.com/formbricks/hdir/internal/models"
)

// skimGap is the drop between neighbouring scores that ends a result list.
const skimGap = 0.01

// skimTop keeps the matches before the first score drop larger than skimGap.
// matches must be sorted by score, best first.
func skimTop(matches []models.ImageMatch) []models.ImageMatch {
	for i := 1; i < len(matches); i++ {
		if matches[i-1].Score-matches[i].Score > skimGap {
			return matches[:i]
		}
	}

	return matches
}
