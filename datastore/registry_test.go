package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
)

type mockConfig struct {
	name string
}

func (m mockConfig) GetDataStore() string     { return m.name }
func (m mockConfig) GetSQLiteFile() string    { return ":memory:" }
func (m mockConfig) GetMessageByteLimit() int { return 1024 }

type stubStore struct {
	DataStore
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.builders)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	var gotLogger loggingpkg.ServiceLogger
	reg.Register("stub", func(_ context.Context, cfg Config, logger loggingpkg.ServiceLogger, _ *metrics.Metrics) (DataStore, error) {
		gotLogger = logger
		assert.Equal(t, 1024, cfg.GetMessageByteLimit())
		return stubStore{}, nil
	})

	assert.True(t, reg.Has("stub"))
	assert.Equal(t, []string{"stub"}, reg.Names())

	store, err := reg.Build(context.Background(), mockConfig{name: "stub"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, stubStore{}, store)
	assert.NotNil(t, gotLogger, "a nil logger is replaced before reaching the builder")
}

func TestRegistry_BuildUnknown(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", nil)
	reg.Register("a", nil)

	_, err := reg.Build(context.Background(), mockConfig{name: "postgres"}, nil, nil)
	require.ErrorIs(t, err, errspkg.ErrUnknownDataStore)
	assert.Contains(t, err.Error(), `"postgres"`)
	assert.Contains(t, err.Error(), "[a b]")
}

func TestRegistry_BuildNilConfig(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}
