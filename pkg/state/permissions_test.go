package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionRegistry(t *testing.T) {
	reg, err := NewPermissionRegistry([]string{"billing"})
	require.NoError(t, err)

	perms, err := reg.Compile([]string{"admin", "billing"})
	require.NoError(t, err)
	assert.True(t, perms.Has(PermAdmin))
	assert.False(t, perms.Has(PermModerate))
	assert.Len(t, reg.All(), 3)

	_, err = reg.Compile([]string{"unknown"})
	assert.Error(t, err)

	assert.Error(t, reg.Register("admin"))
	assert.Error(t, reg.Register("billing"))
}

func TestPermissionRegistryBitsAreDistinct(t *testing.T) {
	reg, err := NewPermissionRegistry([]string{"a", "b"})
	require.NoError(t, err)

	seen := Permission(0)
	for name, p := range reg.All() {
		assert.Zero(t, seen&p, "bit of %s reused", name)
		seen |= p
	}
}
