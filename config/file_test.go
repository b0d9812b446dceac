package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadResourcesFile(t *testing.T) {
	path := writeTempYAML(t, `
resources:
  - name: sessions
    attributes: [userId, token]
    timestamps: true
    partitions:
      - name: byUser
        fields: [userId]
    ttl:
      seconds: 3600
      onExpire: hard-delete
  - name: orders_archive_source
    ttl:
      seconds: 86400
      onExpire: archive
      archiveResource: archive_orders
      keepOriginalId: true
`)

	f, err := LoadResourcesFile(path)
	require.NoError(t, err)
	require.Len(t, f.Resources, 2)

	sessions := f.Resources[0]
	assert.Equal(t, "sessions", sessions.Name)
	assert.Equal(t, []string{"userId", "token"}, sessions.Attributes)
	assert.True(t, sessions.Timestamps)
	require.Len(t, sessions.Partitions, 1)
	assert.Equal(t, "byUser", sessions.Partitions[0].Name)
	require.NotNil(t, sessions.TTL)
	assert.Equal(t, 3600, sessions.TTL.Seconds)
	assert.Equal(t, "hard-delete", sessions.TTL.OnExpire)

	archived := f.Resources[1]
	require.NotNil(t, archived.TTL)
	assert.Equal(t, "archive_orders", archived.TTL.ArchiveResource)
	assert.True(t, archived.TTL.KeepOriginalID)
}

func TestLoadResourcesFileRejectsMissingName(t *testing.T) {
	path := writeTempYAML(t, `
resources:
  - attributes: [a]
`)
	_, err := LoadResourcesFile(path)
	assert.Error(t, err)
}

func TestLoadResourcesFileRejectsArchiveWithoutTarget(t *testing.T) {
	path := writeTempYAML(t, `
resources:
  - name: orders
    ttl:
      seconds: 60
      onExpire: archive
`)
	_, err := LoadResourcesFile(path)
	assert.Error(t, err)
}

func TestLoadResourcesFileMissingFile(t *testing.T) {
	_, err := LoadResourcesFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
