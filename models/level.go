package models

// LevelTier is one rung of the points ladder.
type LevelTier struct {
	Name      string `json:"name"`
	MinPoints int    `json:"minPoints"`
}

// LevelTiers is ordered by MinPoints ascending.
var LevelTiers = []LevelTier{
	{Name: "Newcomer", MinPoints: 0},
	{Name: "Swapper", MinPoints: 50},
	{Name: "Trendsetter", MinPoints: 200},
	{Name: "Style Icon", MinPoints: 500},
	{Name: "Eco Champion", MinPoints: 1000},
}

// LevelFor returns the tier name for a points total.
func LevelFor(points int) string {
	level := LevelTiers[0].Name
	for _, tier := range LevelTiers {
		if points >= tier.MinPoints {
			level = tier.Name
		}
	}
	return level
}

// NextLevel reports the tier after the one points falls in and how many
// points are still missing. ok is false at the top tier.
func NextLevel(points int) (next LevelTier, missing int, ok bool) {
	for _, tier := range LevelTiers {
		if points < tier.MinPoints {
			return tier, tier.MinPoints - points, true
		}
	}
	return LevelTier{}, 0, false
}
