package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/heapflow/datastore"
	"github.com/drblury/heapflow/datastore/datastoretest"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/models"
)

func TestContract(t *testing.T) {
	datastoretest.Run(t, func(t *testing.T, limit int) datastore.DataStore {
		store, err := New(Config{
			FilePath:         filepath.Join(t.TempDir(), "heapflow.db"),
			MessageByteLimit: limit,
		}, nil, nil)
		require.NoError(t, err)
		return store
	})
}

func TestContractInMemory(t *testing.T) {
	datastoretest.Run(t, func(t *testing.T, limit int) datastore.DataStore {
		store, err := New(Config{FilePath: ":memory:", MessageByteLimit: limit}, nil, nil)
		require.NoError(t, err)
		return store
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultFilePath, cfg.FilePath)
	assert.Equal(t, datastore.DefaultMessageByteLimit, cfg.MessageByteLimit)
}

type buildConfig struct {
	path string
}

func (c buildConfig) GetDataStore() string     { return EngineName }
func (c buildConfig) GetSQLiteFile() string    { return c.path }
func (c buildConfig) GetMessageByteLimit() int { return 4096 }

func TestRegisteredWithDefaultRegistry(t *testing.T) {
	require.True(t, datastore.DefaultRegistry.Has(EngineName))

	path := filepath.Join(t.TempDir(), "built.db")
	store, err := datastore.Build(context.Background(), buildConfig{path: path}, nil, nil)
	require.NoError(t, err)
	defer store.Close()

	s := store.(*Store)
	assert.Equal(t, path, s.config.FilePath)
	assert.Equal(t, 4096, s.config.MessageByteLimit)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapflow.db")
	at := time.UnixMilli(1_700_000_000_000)

	store, err := New(Config{FilePath: path}, nil, nil)
	require.NoError(t, err)
	store.CreateNewUserIfNeeded("env", "user", models.StringPtr("alice"), at)
	store.CreateSessionIfNeeded(models.Message{
		ID: "m1", EnvironmentID: "env", UserID: "user", Time: at,
		Session: models.SessionInfo{ID: "s1", Time: at}, Kind: models.KindSession,
	})
	require.NoError(t, store.Close())

	reopened, err := New(Config{FilePath: path}, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	users, err := reopened.UsersToUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", *users[0].Identity)
	assert.Equal(t, []string{"s1"}, users[0].SessionIDs)
}

func TestWriteFailuresAreLogged(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	store, err := New(Config{FilePath: ":memory:"}, rec, nil)
	require.NoError(t, err)
	defer store.Close()

	store.CreateSessionWithoutMessageIfNeeded("env", "ghost", "s1", time.Now())
	_, err = store.UsersToUpload(context.Background())
	require.NoError(t, err)

	var failed []loggingpkg.Entry
	for _, e := range rec.Entries() {
		if e.Msg == "Data store write failed" {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "create_session", failed[0].Fields["operation"])
	assert.Error(t, failed[0].Err)
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	store, err := New(Config{FilePath: ":memory:"}, rec, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store.DeleteUser("env", "user")
	assert.Contains(t, rec.Messages("error"), "Data store write dropped")
}
