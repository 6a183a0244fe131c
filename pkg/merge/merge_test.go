package merge

import (
	"testing"

	"github.com/kivo360/omoios/ent/task"
	"github.com/stretchr/testify/assert"
)

func TestPriorityRankOrdersCriticalBeforeLow(t *testing.T) {
	assert.Less(t, priorityRank(task.PriorityCRITICAL), priorityRank(task.PriorityHIGH))
	assert.Less(t, priorityRank(task.PriorityHIGH), priorityRank(task.PriorityMEDIUM))
	assert.Less(t, priorityRank(task.PriorityMEDIUM), priorityRank(task.PriorityLOW))
}

func TestNilIfEmpty(t *testing.T) {
	assert.Nil(t, nilIfEmpty(""))
	assert.Equal(t, "x", *nilIfEmpty("x"))
}
