package discovery

import (
	"testing"

	"github.com/kivo360/omoios/ent/task"
	"github.com/stretchr/testify/assert"
)

func TestBoostSaturatesAtCritical(t *testing.T) {
	assert.Equal(t, task.PriorityMEDIUM, Boost(task.PriorityLOW))
	assert.Equal(t, task.PriorityHIGH, Boost(task.PriorityMEDIUM))
	assert.Equal(t, task.PriorityCRITICAL, Boost(task.PriorityHIGH))
	assert.Equal(t, task.PriorityCRITICAL, Boost(task.PriorityCRITICAL))
}

func TestDescriptionHashIsStableAndDistinguishes(t *testing.T) {
	h1 := descriptionHash("the retry loop never backs off")
	h2 := descriptionHash("the retry loop never backs off")
	h3 := descriptionHash("a completely different finding")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // hex-encoded sha256
}
