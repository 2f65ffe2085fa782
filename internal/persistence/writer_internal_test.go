package persistence

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(1, 3))
	assert.Equal(t, "($1, $2), ($3, $4), ($5, $6)", placeholders(3, 2))
}

func TestNextBackoff_Caps(t *testing.T) {
	b := initialBackoff
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, maxBackoff, b)
	assert.Equal(t, 200*time.Millisecond, nextBackoff(initialBackoff))
}

func TestMigrator_ListsFilesInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql": {Data: []byte("SELECT 1")},
		"000001_event_log.up.sql":   {Data: []byte("SELECT 1")},
		"000001_event_log.down.sql": {Data: []byte("SELECT 1")},
		"README.md":                 {Data: []byte("docs")},
	}
	m := NewMigrator(nil, fsys)

	files, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_event_log.up.sql", "000002_projections.up.sql"}, files)

	assert.Equal(t, "000002", extractVersion("000002_projections.up.sql"))
	assert.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))
}
