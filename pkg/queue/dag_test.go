package queue

import (
	"testing"

	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcyclicAcceptsDAG(t *testing.T) {
	graph := map[string][]string{
		"b": {"a"},
		"c": {"a"},
	}
	err := ValidateAcyclic(graph, "d", []string{"b", "c"})
	require.NoError(t, err)
}

func TestValidateAcyclicRejectsDirectCycle(t *testing.T) {
	graph := map[string][]string{
		"a": {"b"},
	}
	err := ValidateAcyclic(graph, "b", []string{"a"})
	require.Error(t, err)
	assert.True(t, corekit.Is(err, corekit.KindValidation))
}

func TestValidateAcyclicRejectsSelfDependency(t *testing.T) {
	err := ValidateAcyclic(nil, "a", []string{"a"})
	require.Error(t, err)
}

func TestValidateAcyclicRejectsIndirectCycle(t *testing.T) {
	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}
	err := ValidateAcyclic(graph, "c", []string{"a"})
	require.Error(t, err)
}
