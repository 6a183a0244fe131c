package queue

import (
	"testing"

	"github.com/kivo360/omoios/ent/task"
	"github.com/stretchr/testify/assert"
)

func TestPriorityRankOrdersCriticalFirst(t *testing.T) {
	assert.Less(t, priorityRank(task.PriorityCRITICAL), priorityRank(task.PriorityHIGH))
	assert.Less(t, priorityRank(task.PriorityHIGH), priorityRank(task.PriorityMEDIUM))
	assert.Less(t, priorityRank(task.PriorityMEDIUM), priorityRank(task.PriorityLOW))
}

func TestNilIfEmpty(t *testing.T) {
	assert.Nil(t, nilIfEmpty(""))
	got := nilIfEmpty("bug-fix")
	if assert.NotNil(t, got) {
		assert.Equal(t, "bug-fix", *got)
	}
}
