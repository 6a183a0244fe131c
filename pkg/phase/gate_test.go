package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesAnyExactMatch(t *testing.T) {
	produced := map[string]bool{"src/main.go": true}
	assert.True(t, matchesAny(produced, "src/main.go"))
}

func TestMatchesAnyPrefixMatch(t *testing.T) {
	produced := map[string]bool{"src/handlers/foo.go": true}
	assert.True(t, matchesAny(produced, "src/handlers/"))
}

func TestMatchesAnyNoMatch(t *testing.T) {
	produced := map[string]bool{"src/main.go": true}
	assert.False(t, matchesAny(produced, "docs/"))
}
