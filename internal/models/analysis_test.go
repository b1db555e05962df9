package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeepsFirstNameOnCollision(t *testing.T) {
	for i := 0; i < 20; i++ {
		cfg := &ImportConfiguration{
			Mappings: map[string]map[string]EntityMapping{
				EntityKindTags: {
					"smoke ": {Action: MappingActionSkip},
					"Smoke":  {Action: MappingActionCreate},
				},
			},
		}
		cfg.Normalize()
		require.Len(t, cfg.Mappings[EntityKindTags], 1)
		mapping, ok := cfg.Lookup(EntityKindTags, "SMOKE")
		require.True(t, ok)
		assert.Equal(t, MappingActionCreate, mapping.Action)
	}
}

func TestCheckOwner(t *testing.T) {
	job := &ImportJob{ID: "job-1", ActiveMessageID: "m1", ActiveDelivery: 2}

	assert.NoError(t, job.CheckOwner(nil))
	assert.NoError(t, job.CheckOwner(job.Owner()))
	assert.ErrorIs(t, job.CheckOwner(&DeliveryToken{MessageID: "m1", Attempt: 1}), ErrNotOwner)
	assert.ErrorIs(t, job.CheckOwner(&DeliveryToken{MessageID: "m2", Attempt: 2}), ErrNotOwner)

	job.Release()
	assert.Nil(t, job.Owner())
	assert.ErrorIs(t, job.CheckOwner(&DeliveryToken{MessageID: "m1", Attempt: 2}), ErrNotOwner)
}
