package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputSplitterRoutesByLevel(t *testing.T) {
	var s OutputSplitter

	n, err := s.Write([]byte(`level=error msg="boom"`))
	assert.NoError(t, err)
	assert.Equal(t, len(`level=error msg="boom"`), n)

	n, err = s.Write([]byte(`level=info msg="ok"`))
	assert.NoError(t, err)
	assert.Equal(t, len(`level=info msg="ok"`), n)
}

func TestForPluginStampsSlug(t *testing.T) {
	e := ForPlugin("cache-plugin")
	assert.Equal(t, "cache-plugin", e.Data["plugin_slug"])
}

func TestForEngineStampsName(t *testing.T) {
	e := ForEngine("ttl")
	assert.Equal(t, "ttl", e.Data["engine"])
}
