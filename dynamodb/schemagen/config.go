package schemagen

import (
	"fmt"
	"strings"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
)

// Config controls how a registry maps onto the physical table.
// It is passed by value; New copies the maps it holds.
type Config struct {
	TableName string `yaml:"tableName"`

	PartitionKeyName string `yaml:"partitionKeyName"`
	SortKeyName      string `yaml:"sortKeyName"`

	// MaxGSIs bounds the number of secondary index slots.
	MaxGSIs int `yaml:"maxGsis"`
	// Formats take the 1-based slot number.
	GSINameFormat         string `yaml:"gsiNameFormat"`
	GSIPartitionKeyFormat string `yaml:"gsiPartitionKeyFormat"`
	GSISortKeyFormat      string `yaml:"gsiSortKeyFormat"`
	LSINameFormat         string `yaml:"lsiNameFormat"`
	LSISortKeyFormat      string `yaml:"lsiSortKeyFormat"`

	// Projections overrides the projection per index name. Defaults to ALL.
	Projections map[string]schema.Projection `yaml:"projections,omitempty"`

	// TTLAttribute is used by entities with the TTL trait that do not name
	// their own attribute.
	TTLAttribute string `yaml:"ttlAttribute"`

	Stream             *schema.Stream    `yaml:"stream,omitempty"`
	Capacity           schema.Capacity   `yaml:"capacity"`
	TableClass         schema.TableClass `yaml:"tableClass,omitempty"`
	DeletionProtection bool              `yaml:"deletionProtection,omitempty"`
}

// DynamoDB service limits.
const (
	maxGSILimit = 20
	maxLSILimit = 5
)

// DefaultConfig returns the conventional single-table layout: pk/sk keys
// and GSI1..GSI5 with gsiNpk/gsiNsk attributes.
func DefaultConfig(tableName string) Config {
	return Config{
		TableName:             tableName,
		PartitionKeyName:      "pk",
		SortKeyName:           "sk",
		MaxGSIs:               5,
		GSINameFormat:         "GSI%d",
		GSIPartitionKeyFormat: "gsi%dpk",
		GSISortKeyFormat:      "gsi%dsk",
		LSINameFormat:         "LSI%d",
		LSISortKeyFormat:      "lsi%dsk",
		TTLAttribute:          "ttl",
		Capacity:              schema.Capacity{Mode: schema.PayPerRequest},
		TableClass:            schema.TableClassStandard,
	}
}

// Validate checks the config for values DynamoDB would reject.
func (c Config) Validate() error {
	if c.TableName == "" {
		return fmt.Errorf("table name is required")
	}
	if c.PartitionKeyName == "" {
		return fmt.Errorf("partition key name is required")
	}
	if c.MaxGSIs < 1 || c.MaxGSIs > maxGSILimit {
		return fmt.Errorf("maxGsis must be between 1 and %d, got %d", maxGSILimit, c.MaxGSIs)
	}
	for name, f := range map[string]string{
		"gsiNameFormat":         c.GSINameFormat,
		"gsiPartitionKeyFormat": c.GSIPartitionKeyFormat,
		"gsiSortKeyFormat":      c.GSISortKeyFormat,
		"lsiNameFormat":         c.LSINameFormat,
		"lsiSortKeyFormat":      c.LSISortKeyFormat,
	} {
		if f == "" {
			return fmt.Errorf("%s is required", name)
		}
		one, two := fmt.Sprintf(f, 1), fmt.Sprintf(f, 2)
		if one == two || strings.Contains(one, "%!") {
			return fmt.Errorf("%s %q must contain one %%d for the slot number", name, f)
		}
	}
	switch c.Capacity.Mode {
	case schema.PayPerRequest, "":
	case schema.Provisioned:
		if c.Capacity.ReadUnits < 1 || c.Capacity.WriteUnits < 1 {
			return fmt.Errorf("provisioned capacity requires read and write units >= 1")
		}
	default:
		return fmt.Errorf("unknown billing mode %q", c.Capacity.Mode)
	}
	if c.Stream != nil && c.Stream.Enabled {
		switch c.Stream.ViewType {
		case schema.StreamKeysOnly, schema.StreamNewImage, schema.StreamOldImage, schema.StreamNewAndOldImages:
		default:
			return fmt.Errorf("unknown stream view type %q", c.Stream.ViewType)
		}
	}
	switch c.TableClass {
	case "", schema.TableClassStandard, schema.TableClassInfrequent:
	default:
		return fmt.Errorf("unknown table class %q", c.TableClass)
	}
	return nil
}

func (c Config) gsiName(slot int) string { return fmt.Sprintf(c.GSINameFormat, slot) }
func (c Config) gsiPK(slot int) string   { return fmt.Sprintf(c.GSIPartitionKeyFormat, slot) }
func (c Config) gsiSK(slot int) string   { return fmt.Sprintf(c.GSISortKeyFormat, slot) }
func (c Config) lsiName(slot int) string { return fmt.Sprintf(c.LSINameFormat, slot) }
func (c Config) lsiSK(slot int) string   { return fmt.Sprintf(c.LSISortKeyFormat, slot) }
