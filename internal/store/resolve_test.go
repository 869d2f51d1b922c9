package store_test

import (
	"testing"

	"github.com/hyperengineering/studiosync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProfile_ExplicitParam(t *testing.T) {
	t.Setenv(store.ProfileEnvVar, "")

	got, err := store.ResolveProfile("lumen")
	require.NoError(t, err)
	assert.Equal(t, "lumen", got)
}

func TestResolveProfile_EnvVar(t *testing.T) {
	t.Setenv(store.ProfileEnvVar, "env-studio")

	got, err := store.ResolveProfile("")
	require.NoError(t, err)
	assert.Equal(t, "env-studio", got)
}

func TestResolveProfile_DefaultFallback(t *testing.T) {
	t.Setenv(store.ProfileEnvVar, "")

	got, err := store.ResolveProfile("")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultProfile, got)
}

func TestResolveProfile_ExplicitOverEnv(t *testing.T) {
	t.Setenv(store.ProfileEnvVar, "env-studio")

	got, err := store.ResolveProfile("explicit-studio")
	require.NoError(t, err)
	assert.Equal(t, "explicit-studio", got)
}

func TestResolveProfile_Invalid(t *testing.T) {
	_, err := store.ResolveProfile("Bad Profile")
	assert.ErrorIs(t, err, store.ErrInvalidProfileID, "invalid explicit")

	t.Setenv(store.ProfileEnvVar, "UPPER")
	_, err = store.ResolveProfile("")
	assert.ErrorIs(t, err, store.ErrInvalidProfileID, "invalid env")
}
