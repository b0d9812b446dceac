package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourcesFile is the optional declarative resource definition file the
// host process loads at startup, so deployments can add resources without
// recompiling the wiring.
type ResourcesFile struct {
	Resources []ResourceDef `yaml:"resources"`
}

// ResourceDef declares one resource.
type ResourceDef struct {
	Name       string         `yaml:"name"`
	Attributes []string       `yaml:"attributes"`
	Timestamps bool           `yaml:"timestamps"`
	Partitions []PartitionDef `yaml:"partitions"`
	TTL        *TTLRule       `yaml:"ttl"`
}

// PartitionDef declares one named partition over record fields.
type PartitionDef struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// TTLRule attaches an expiration rule to the declared resource.
type TTLRule struct {
	Seconds         int    `yaml:"seconds"`
	Field           string `yaml:"field"`
	OnExpire        string `yaml:"onExpire"`
	ArchiveResource string `yaml:"archiveResource"`
	KeepOriginalID  bool   `yaml:"keepOriginalId"`
}

// LoadResourcesFile parses path as YAML and validates the minimum every
// entry needs: a name, and for archive rules an archive resource.
func LoadResourcesFile(path string) (*ResourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f ResourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	v := NewValidator()
	for i, r := range f.Resources {
		if r.Name == "" {
			v.errors = append(v.errors, fmt.Sprintf("resources[%d]: name is required", i))
		}
		if r.TTL != nil && r.TTL.OnExpire == "archive" && r.TTL.ArchiveResource == "" {
			v.errors = append(v.errors, fmt.Sprintf("resources[%d]: archive rule needs archiveResource", i))
		}
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
