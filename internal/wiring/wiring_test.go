package wiring_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/config"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "sbxd.db")
	return cfg
}

func TestNewServices(t *testing.T) {
	tests := map[string]struct {
		opts   wiring.Options
		expErr bool
	}{
		"Memory storage with the fake engine should build the graph.": {
			opts: wiring.Options{Storage: wiring.StorageMemory, Engine: wiring.EngineFake},
		},

		"SQLite storage with the fake engine should build the graph.": {
			opts: wiring.Options{Storage: wiring.StorageSQLite, Engine: wiring.EngineFake, SyncBus: true},
		},

		"An unknown storage should fail.": {
			opts:   wiring.Options{Storage: "postgres", Engine: wiring.EngineFake},
			expErr: true,
		},

		"An unknown engine should fail.": {
			opts:   wiring.Options{Storage: wiring.StorageMemory, Engine: "firecracker"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			svcs, err := wiring.NewServices(context.Background(), testConfig(t), test.opts, nil)

			if test.expErr {
				assert.ErrorIs(err, model.ErrNotValid)
				return
			}
			require.NoError(err)
			defer svcs.Close()

			assert.NotNil(svcs.Ingest)
			assert.NotNil(svcs.Batch)
			assert.NotNil(svcs.Rollback)
			assert.NotNil(svcs.Tasks)
			assert.NotNil(svcs.Queue)
		})
	}
}

func TestNewStoresShareTheDatabase(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	cfg := testConfig(t)

	st, err := wiring.NewStores(ctx, cfg, wiring.StorageSQLite, nil)
	require.NoError(err)
	require.NoError(st.Repository.CreateProject(ctx, model.Project{ID: "p1", OwnerID: "u1", WorkDir: "/w"}))
	require.NoError(st.Close())

	st, err = wiring.NewStores(ctx, cfg, wiring.StorageSQLite, nil)
	require.NoError(err)
	defer st.Close()

	p, err := st.Repository.GetProject(ctx, "p1")
	require.NoError(err)
	assert.Equal("u1", p.OwnerID)
}
