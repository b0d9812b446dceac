package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIncludesResourceAndAction(t *testing.T) {
	k := Key("users", "list", nil, nil, false)
	assert.Equal(t, "resource=users/action=list.json", k)
}

func TestKeyAppendsGzExtensionWhenCompressed(t *testing.T) {
	k := Key("users", "list", nil, nil, true)
	assert.Equal(t, "resource=users/action=list.json.gz", k)
}

func TestKeyIncludesSortedPartitionFields(t *testing.T) {
	k := Key("orders", "list", &PartitionRef{Name: "byStatus", Fields: map[string]interface{}{"b": 2, "a": 1}}, nil, false)
	assert.Equal(t, "resource=orders/action=list/partition:byStatus/a:1/b:2.json", k)
}

func TestKeyHashIsDeterministicAcrossMapOrdering(t *testing.T) {
	k1 := Key("users", "get", nil, map[string]interface{}{"a": 1, "b": 2}, false)
	k2 := Key("users", "get", nil, map[string]interface{}{"b": 2, "a": 1}, false)
	assert.Equal(t, k1, k2)
}

func TestKeyHashDiffersForDifferentParams(t *testing.T) {
	k1 := Key("users", "get", nil, "u1", false)
	k2 := Key("users", "get", nil, "u2", false)
	assert.NotEqual(t, k1, k2)
}

func TestKeyOmitsHashSegmentWhenParamsNil(t *testing.T) {
	k := Key("users", "getAll", nil, nil, false)
	assert.NotContains(t, k, "//")
}
