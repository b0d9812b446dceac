package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBuildInfoNeverReturnsNil(t *testing.T) {
	info := GetBuildInfo()
	assert.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)
}

func TestGetModuleVersionNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() { GetModuleVersion() })
}

func TestGetDependencyReturnsNilForUnknownModule(t *testing.T) {
	assert.Nil(t, GetDependency("example.com/does/not/exist"))
}
