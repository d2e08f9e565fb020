package scoring

import (
	"sort"
	"time"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

const pileOnWindow = 24 * time.Hour
const pileOnMinDistinct = 5

// DetectPileOn groups events by amplified post URI, then within each group
// slides a 24-hour window forward from every event's timestamp; any window
// containing at least 5 distinct amplifier ids marks every amplifier in that
// window as a pile-on participant. Returns the union across all groups.
func DetectPileOn(events []models.PileOnEvent) map[models.Identifier]bool {
	byPost := make(map[string][]models.PileOnEvent)
	for _, e := range events {
		byPost[e.OriginalPostURI] = append(byPost[e.OriginalPostURI], e)
	}

	pileOn := make(map[models.Identifier]bool)
	for _, group := range byPost {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		for i := range group {
			windowEnd := group[i].Timestamp.Add(pileOnWindow)
			distinct := make(map[models.Identifier]bool)
			for j := i; j < len(group); j++ {
				if group[j].Timestamp.After(windowEnd) {
					break
				}
				distinct[group[j].AmplifierID] = true
			}
			if len(distinct) >= pileOnMinDistinct {
				for id := range distinct {
					pileOn[id] = true
				}
			}
		}
	}
	return pileOn
}
