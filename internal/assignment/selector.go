package assignment

import (
	"errors"

	"github.com/cespare/xxhash/v2"

	"paywall-trigger-engine/internal/paywall"
)

var ErrNoVariants = errors.New("rule has no variant candidates")

// Selector picks a variant for a user the first time a rule is resolved.
type Selector interface {
	Select(userID string, rule paywall.Rule) (paywall.Variant, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(userID string, rule paywall.Rule) (paywall.Variant, error)

func (f SelectorFunc) Select(userID string, rule paywall.Rule) (paywall.Variant, error) {
	return f(userID, rule)
}

// WeightedSelector buckets userID and rule key by hash, so the same user keeps
// landing on the same variant. Candidates without weights share traffic evenly.
type WeightedSelector struct{}

func (WeightedSelector) Select(userID string, rule paywall.Rule) (paywall.Variant, error) {
	candidates := rule.VariantCandidates
	if len(candidates) == 0 {
		return paywall.Variant{}, ErrNoVariants
	}

	bucket := xxhash.Sum64String(userID + "/" + rule.Key)

	total := 0
	for _, v := range candidates {
		if v.Percentage > 0 {
			total += v.Percentage
		}
	}
	if total == 0 {
		return candidates[bucket%uint64(len(candidates))], nil
	}

	point := int(bucket % uint64(total))
	for _, v := range candidates {
		if v.Percentage <= 0 {
			continue
		}
		if point < v.Percentage {
			return v, nil
		}
		point -= v.Percentage
	}
	return candidates[len(candidates)-1], nil
}
