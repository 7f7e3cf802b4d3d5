// Package modeltest provides registries for tests.
package modeltest

import (
	"fmt"
	"math/rand"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
)

// Blog is a small registry with two relationships that need a secondary
// index: posts by author and comments by post.
func Blog() model.Registry {
	return model.Registry{Entities: []model.Entity{
		{
			Name:         "User",
			PartitionKey: "USER#{id}",
			SortKey:      "PROFILE",
			Attributes: []model.Attribute{
				{Name: "email", Type: model.TypeString, Required: true, Unique: true},
				{Name: "name", Type: model.TypeString},
			},
			Relationships: []model.Relationship{
				{Kind: model.HasMany, Entity: "Post", ForeignKey: "authorId", RequiresGSI: true, GSIIndex: 1},
			},
			Traits: model.Traits{GeneratedIDs: true, Timestamps: true},
		},
		{
			Name:         "Post",
			PartitionKey: "POST#{id}",
			SortKey:      "METADATA",
			Attributes: []model.Attribute{
				{Name: "authorId", Type: model.TypeString, Required: true},
				{Name: "title", Type: model.TypeString},
				{Name: "tags", Type: model.TypeSet},
			},
			Traits: model.Traits{GeneratedIDs: true, Timestamps: true, SoftDeletes: true},
		},
		{
			Name:         "Comment",
			PartitionKey: "COMMENT#{id}",
			SortKey:      "METADATA",
			Attributes: []model.Attribute{
				{Name: "postId", Type: model.TypeString, Required: true},
				{Name: "body", Type: model.TypeString},
			},
			Relationships: []model.Relationship{
				{Kind: model.BelongsTo, Entity: "Post", ForeignKey: "postId", RequiresGSI: true, GSIIndex: 2},
			},
			Traits: model.Traits{GeneratedIDs: true, TTL: true},
		},
	}}
}

// With returns a copy of reg with the entity named name replaced by the
// result of mutate.
func With(reg model.Registry, name string, mutate func(*model.Entity)) model.Registry {
	out := model.Registry{Entities: make([]model.Entity, len(reg.Entities))}
	for i, e := range reg.Entities {
		e.Attributes = append([]model.Attribute(nil), e.Attributes...)
		e.Relationships = append([]model.Relationship(nil), e.Relationships...)
		if e.Name == name {
			mutate(&e)
		}
		out.Entities[i] = e
	}
	return out
}

// Random builds a valid registry from seed. Entities share key shapes, so
// any combination maps onto one table.
func Random(seed int64) model.Registry {
	r := rand.New(rand.NewSource(seed))
	n := 1 + r.Intn(5)
	entities := make([]model.Entity, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("Entity%d", i)
		e := model.Entity{
			Name:         name,
			PartitionKey: fmt.Sprintf("E%d#{id}", i),
			SortKey:      "METADATA",
			Attributes: []model.Attribute{
				{Name: "id", Type: model.TypeString, Required: true},
				{Name: "label", Type: model.TypeString},
			},
			Traits: model.Traits{
				Timestamps:  r.Intn(2) == 0,
				SoftDeletes: r.Intn(2) == 0,
				Versioned:   r.Intn(2) == 0,
				TTL:         r.Intn(4) == 0,
			},
		}
		if i > 0 && r.Intn(2) == 0 {
			e.Attributes = append(e.Attributes, model.Attribute{Name: "parentId", Type: model.TypeString})
			e.Relationships = append(e.Relationships, model.Relationship{
				Kind:        model.BelongsTo,
				Entity:      fmt.Sprintf("Entity%d", r.Intn(i)),
				ForeignKey:  "parentId",
				RequiresGSI: true,
				GSIIndex:    r.Intn(3),
			})
		}
		entities = append(entities, e)
	}
	// Declaration order must not matter.
	r.Shuffle(len(entities), func(i, j int) { entities[i], entities[j] = entities[j], entities[i] })
	return model.Registry{Entities: entities}
}

// GenRegistry generates random valid registries.
func GenRegistry() gopter.Gen {
	return gen.Int64().Map(Random)
}
