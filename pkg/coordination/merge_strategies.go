package coordination

import (
	"fmt"
	"sort"
)

// MergeStrategy is a pure function over a join's arrived child results,
// producing the single result handed to the continuation task. Each
// strategy is deterministic over its input slice regardless of arrival
// order, so join ordering never affects the merged outcome.
type MergeStrategyFunc func(results []map[string]any) map[string]any

// Combine overlays every result's keys into one map, last-source-wins on
// conflicting keys where "last" is the order passed in. Intended for
// children whose outputs are known to be disjoint (e.g. each child wrote
// a distinct file's findings).
func Combine(results []map[string]any) map[string]any {
	out := map[string]any{}
	for _, r := range results {
		for k, v := range r {
			out[k] = v
		}
	}
	return out
}

// Union gathers every distinct value seen for each key across all results
// into a slice, de-duplicating by fmt-stable comparison. Use when siblings
// may independently report the same finding and duplicates should collapse.
func Union(results []map[string]any) map[string]any {
	seen := map[string]map[string]bool{}
	out := map[string]any{}
	for _, r := range results {
		for k, v := range r {
			key := toComparableKey(v)
			if seen[k] == nil {
				seen[k] = map[string]bool{}
			}
			if seen[k][key] {
				continue
			}
			seen[k][key] = true
			list, _ := out[k].([]any)
			out[k] = append(list, v)
		}
	}
	return out
}

// Intersection keeps only the keys present, with an identical value, in
// every result. Use when a continuation should proceed only on facts every
// sibling agreed on.
func Intersection(results []map[string]any) map[string]any {
	if len(results) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	for k, v := range results[0] {
		key := toComparableKey(v)
		agreed := true
		for _, r := range results[1:] {
			rv, ok := r[k]
			if !ok || toComparableKey(rv) != key {
				agreed = false
				break
			}
		}
		if agreed {
			out[k] = v
		}
	}
	return out
}

// Majority keeps, for each key appearing in at least one result, whichever
// value was reported by more than half of the results that mention that
// key. Ties resolve to the value reported first (stable by input order).
func Majority(results []map[string]any) map[string]any {
	counts := map[string]map[string]int{}
	firstSeen := map[string]map[string]any{}
	mentions := map[string]int{}

	for _, r := range results {
		for k, v := range r {
			key := toComparableKey(v)
			if counts[k] == nil {
				counts[k] = map[string]int{}
				firstSeen[k] = map[string]any{}
			}
			counts[k][key]++
			if _, ok := firstSeen[k][key]; !ok {
				firstSeen[k][key] = v
			}
			mentions[k]++
		}
	}

	out := map[string]any{}
	for k, valueCounts := range counts {
		threshold := mentions[k] / 2
		var bestKey string
		bestCount := -1
		keys := make([]string, 0, len(valueCounts))
		for vk := range valueCounts {
			keys = append(keys, vk)
		}
		sort.Strings(keys)
		for _, vk := range keys {
			c := valueCounts[vk]
			if c > bestCount {
				bestCount = c
				bestKey = vk
			}
		}
		if bestCount > threshold {
			out[k] = firstSeen[k][bestKey]
		}
	}
	return out
}

func toComparableKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
