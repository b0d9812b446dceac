package main

import (
	"context"

	"s3db.evalgo.org/inventory"
)

// staticCloudSource is a fixed in-memory stand-in for a real cloud
// provider's resource-listing API, used so this demo wiring can exercise
// the inventory plugin's sync/diff path without live cloud credentials. A
// production host supplies one CloudSource per provider SDK instead.
type staticCloudSource struct {
	items []inventory.CloudResourceItem
}

func (s *staticCloudSource) ListResources(ctx context.Context) ([]inventory.CloudResourceItem, error) {
	return s.items, nil
}
