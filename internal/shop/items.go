// Package shop defines the static item catalog.
package shop

import "sort"

// Item ids.
const (
	ItemSaver = "saver"
	ItemSigma = "sigma"
)

// ItemConfig describes a purchasable item.
type ItemConfig struct {
	ID    string
	Name  string
	Price int64

	// KeepOnReset exempts the holder's balance from the weekly reset.
	KeepOnReset bool
}

var items = map[string]ItemConfig{
	ItemSaver: {
		ID:    ItemSaver,
		Name:  "Streak Saver",
		Price: 50,
	},
	ItemSigma: {
		ID:          ItemSigma,
		Name:        "Sigma",
		Price:       5000,
		KeepOnReset: true,
	},
}

// GetItem returns the catalog entry for id.
func GetItem(id string) (ItemConfig, bool) {
	item, ok := items[id]
	return item, ok
}

// AllItems returns the catalog sorted by price ascending.
func AllItems() []ItemConfig {
	out := make([]ItemConfig, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
