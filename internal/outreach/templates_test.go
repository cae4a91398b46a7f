package outreach

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplates(t *testing.T) {
	tpl := DefaultTemplates()
	for tier := 1; tier <= 5; tier++ {
		assert.Contains(t, tpl.Message(tier), "{firstName}")
	}
	// Tier 1 reminds the customer they don't need to be home.
	assert.Contains(t, tpl.Message(1), "don't have to be home")
}

func TestTemplates_UnknownTierFallsBack(t *testing.T) {
	tpl := DefaultTemplates()
	assert.Equal(t, tpl.Message(5), tpl.Message(9))
}

func TestTemplates_Render(t *testing.T) {
	tpl := DefaultTemplates()
	msg := tpl.Render(3, "Maria")
	assert.Contains(t, msg, "Hey Maria")
	assert.NotContains(t, msg, "{firstName}")
}

func TestLoadTemplates_EmptyPathUsesDefaults(t *testing.T) {
	tpl, err := LoadTemplates("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates().Message(2), tpl.Message(2))
}

func TestLoadTemplates_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("2: \"Hi {firstName}, custom tier two\"\n"), 0o644))

	tpl, err := LoadTemplates(path)
	require.NoError(t, err)
	assert.Equal(t, "Hi {firstName}, custom tier two", tpl.Message(2))
	assert.Equal(t, DefaultTemplates().Message(1), tpl.Message(1))
}

func TestLoadTemplates_RejectsOutOfRangeTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("6: \"nope\"\n"), 0o644))

	_, err := LoadTemplates(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoadTemplates_MissingFile(t *testing.T) {
	_, err := LoadTemplates(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
