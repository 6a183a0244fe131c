package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineLastSourceWinsOnConflict(t *testing.T) {
	out := Combine([]map[string]any{
		{"files_changed": "a.go"},
		{"files_changed": "b.go", "tests_added": true},
	})
	assert.Equal(t, "b.go", out["files_changed"])
	assert.Equal(t, true, out["tests_added"])
}

func TestUnionDeduplicatesRepeatedValues(t *testing.T) {
	out := Union([]map[string]any{
		{"finding": "race in worker pool"},
		{"finding": "race in worker pool"},
		{"finding": "missing index"},
	})
	list, ok := out["finding"].([]any)
	assert.True(t, ok)
	assert.Len(t, list, 2)
}

func TestIntersectionKeepsOnlyAgreedKeys(t *testing.T) {
	out := Intersection([]map[string]any{
		{"status": "ok", "owner": "a"},
		{"status": "ok", "owner": "b"},
	})
	assert.Equal(t, "ok", out["status"])
	_, hasOwner := out["owner"]
	assert.False(t, hasOwner)
}

func TestMajorityPicksMoreThanHalf(t *testing.T) {
	out := Majority([]map[string]any{
		{"verdict": "pass"},
		{"verdict": "pass"},
		{"verdict": "fail"},
	})
	assert.Equal(t, "pass", out["verdict"])
}

func TestMajorityDropsKeyWithNoMajority(t *testing.T) {
	out := Majority([]map[string]any{
		{"verdict": "pass"},
		{"verdict": "fail"},
	})
	_, ok := out["verdict"]
	assert.False(t, ok)
}
