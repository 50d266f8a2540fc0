package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/engine"
)

func TestRegistryExecutesRegisteredAction(t *testing.T) {
	r := engine.NewRegistry()
	called := false
	r.Register("configure", func(ctx context.Context) (*int, error) {
		called = true
		return nil, nil
	})

	assert.True(t, r.Has("configure"))
	_, err := r.Execute(context.Background(), "configure")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRegistryExecuteUnregisteredReturnsTypedError(t *testing.T) {
	r := engine.NewRegistry()
	_, err := r.Execute(context.Background(), "poll")
	require.Error(t, err)
	var unregistered *engine.UnregisteredActionError
	require.ErrorAs(t, err, &unregistered)
	assert.Equal(t, "poll", unregistered.Name)
}
