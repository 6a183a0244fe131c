package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigHasPositiveWindows(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.ProjectArchiveAfter, time.Duration(0))
	assert.Greater(t, cfg.EventTTL, time.Duration(0))
	assert.Greater(t, cfg.CleanupInterval, time.Duration(0))
}
