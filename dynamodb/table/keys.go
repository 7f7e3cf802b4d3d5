package table

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// KeyDef names a key attribute and its DynamoDB scalar type.
type KeyDef struct {
	Name string  `yaml:"name" json:"name"`
	Kind KeyKind `yaml:"kind" json:"kind"`
}

// IsZero reports whether the key is undefined, e.g. a table without sort key.
func (k KeyDef) IsZero() bool {
	return k.Name == ""
}

// PrimaryKeyDefinition is the key schema of a table or index.
type PrimaryKeyDefinition struct {
	PartitionKey KeyDef
	SortKey      KeyDef // zero when the table has no sort key
}

type KeyKind string

const (
	KeyKindS KeyKind = "S"
	KeyKindN KeyKind = "N"
	KeyKindB KeyKind = "B"
)

// Valid reports whether k is one of the scalar types DynamoDB accepts for keys.
func (k KeyKind) Valid() bool {
	switch k {
	case KeyKindS, KeyKindN, KeyKindB:
		return true
	}
	return false
}

// ScalarType converts the kind to the SDK attribute type.
func (k KeyKind) ScalarType() types.ScalarAttributeType {
	switch k {
	case KeyKindN:
		return types.ScalarAttributeTypeN
	case KeyKindB:
		return types.ScalarAttributeTypeB
	default:
		return types.ScalarAttributeTypeS
	}
}

// KindFromScalar is the inverse of ScalarType.
func KindFromScalar(t types.ScalarAttributeType) (KeyKind, error) {
	switch t {
	case types.ScalarAttributeTypeS:
		return KeyKindS, nil
	case types.ScalarAttributeTypeN:
		return KeyKindN, nil
	case types.ScalarAttributeTypeB:
		return KeyKindB, nil
	default:
		return "", fmt.Errorf("unexpected scalar attribute type %q", t)
	}
}
