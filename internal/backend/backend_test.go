package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-delay-predictor/internal/config"
	"bus-delay-predictor/internal/history"
)

func TestOpenMemory(t *testing.T) {
	store, closeFn, err := Open(context.Background(), &config.Config{StoreBackend: "memory"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &history.Memory{}, store)
}

func TestOpenUnknown(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{StoreBackend: "sqlite"})
	assert.Error(t, err)
}
