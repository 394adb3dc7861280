package main_test

import (
	"context"
	"testing"
	"time"

	"dao-chain-indexer/config"
	"dao-chain-indexer/database"
	"dao-chain-indexer/queue"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	RunIntegration bool `env:"INTEGRATION_TESTS" envDefault:"false"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"3306"`
	DBName     string `env:"DB_NAME" envDefault:"dao_chain_indexer_test"`
	DBUsername string `env:"DB_USERNAME" envDefault:"root"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"root"`
}

// TestIntegration exercises the migration and the queue against a real MySQL
// instance. It only runs when INTEGRATION_TESTS=true and a database is
// reachable with the DB_* env settings.
func TestIntegration(t *testing.T) {
	var tCfg testConfig
	require.NoError(t, env.Parse(&tCfg), "Could not parse test config")

	if !tCfg.RunIntegration {
		t.Skip("set INTEGRATION_TESTS=true to run against MySQL")
	}

	ctx := context.Background()
	cfg := config.Config{
		DB: config.DBConfig{
			Host:             tCfg.DBHost,
			Port:             tCfg.DBPort,
			Database:         tCfg.DBName,
			Username:         tCfg.DBUsername,
			Password:         tCfg.DBPassword,
			DropTableAtStart: true,
		},
		Logger: config.LoggerConfig{Level: "DEBUG", Console: true},
	}
	config.GlobalConfigCallback.Call(cfg)

	db, err := database.ConnectAndInitialize(ctx, &cfg.DB)
	require.NoError(t, err, "Could not connect to the database")

	// schema round trip: cursor create, advance, resume
	state, err := database.FetchOrCreateIndexerState(db, 1, "0xaa", "RepaymentEscrow", 100)
	require.NoError(t, err)
	state.LastBlockNumber = 200
	require.NoError(t, database.UpdateIndexerState(db, state))

	resumed, err := database.FetchOrCreateIndexerState(db, 1, "0xaa", "RepaymentEscrow", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(200), resumed.LastBlockNumber)

	// queue round trip on the real backend
	d := queue.NewDispatcher(db, 10*time.Millisecond, 3)
	done := make(chan struct{})
	d.Register("integration", func(ctx context.Context, job *queue.Job) error {
		close(done)
		return nil
	}, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Start(runCtx)
	defer d.Stop()

	_, err = d.Enqueue(ctx, "integration", map[string]string{"ping": "pong"}, queue.Opts{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue job was not processed")
	}
}
