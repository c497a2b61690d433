package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmitterConfig(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *EmitterConfig)
	}{
		{
			name: "valid config file",
			configFile: `
debug: true
sentry_dsn: "https://sentry.example.com"
database:
  host: localhost
  port: 5432
  user: testuser
  password: testpass
  dbname: testdb
  sslmode: require
nats:
  url: "nats://localhost:4222"
  stream_name: "TEST_STREAM"
  max_reconnects: 5
  reconnect_wait: "5s"
  connection_name: "test-connection"
ethereum:
  websocket_url: "ws://localhost:8545"
  chain_name: "ethereum"
  start_block: 1000
  cursor_save_freq: 20
  cursor_save_delay: "10s"
markets:
  comptroller: "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B"
  tokens:
    - symbol: cDAI
      address: "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643"
      decimals: 8
    - symbol: cUSDC
      address: "0x39AA39c021dfbaE8faC545936693aC917d5E7563"
      decimals: 8
`,
			expectError: false,
			validate: func(t *testing.T, cfg *EmitterConfig) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, "https://sentry.example.com", cfg.SentryDSN)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "require", cfg.Database.SSLMode)
				assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
				assert.Equal(t, "TEST_STREAM", cfg.NATS.StreamName)
				assert.Equal(t, "ws://localhost:8545", cfg.Ethereum.WebSocketURL)
				assert.Equal(t, uint64(1000), cfg.Ethereum.StartBlock)
				assert.Equal(t, uint64(20), cfg.Ethereum.CursorSaveFreq)
				assert.Equal(t, "10s", cfg.Ethereum.CursorSaveDelay.String())
				assert.Equal(t, "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B", cfg.Markets.Comptroller)
				require.Len(t, cfg.Markets.Tokens, 2)
				assert.Equal(t, "cDAI", cfg.Markets.Tokens[0].Symbol)
				assert.Equal(t, uint8(8), cfg.Markets.Tokens[0].Decimals)
			},
		},
		{
			name: "config with defaults",
			configFile: `
database:
  host: localhost
  user: testuser
  password: testpass
  dbname: testdb
nats:
  url: "nats://localhost:4222"
ethereum:
  websocket_url: "ws://localhost:8545"
markets:
  comptroller: "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B"
  tokens:
    - symbol: cDAI
      address: "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643"
      decimals: 8
`,
			expectError: false,
			validate: func(t *testing.T, cfg *EmitterConfig) {
				// Check defaults
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "disable", cfg.Database.SSLMode)
				assert.Equal(t, 10, cfg.NATS.MaxReconnects)
				assert.Equal(t, "2s", cfg.NATS.ReconnectWait.String())
				assert.Equal(t, "LENDING_EVENTS", cfg.NATS.StreamName)
				assert.Equal(t, "ethereum", cfg.Ethereum.ChainName)
				assert.Equal(t, uint64(10), cfg.Ethereum.CursorSaveFreq)
				assert.Equal(t, "30s", cfg.Ethereum.CursorSaveDelay.String())
			},
		},
		{
			name: "missing websocket url",
			configFile: `
database:
  host: localhost
  dbname: testdb
markets:
  comptroller: "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B"
  tokens:
    - symbol: cDAI
      address: "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643"
`,
			expectError: true,
		},
		{
			name: "missing market tokens",
			configFile: `
ethereum:
  websocket_url: "ws://localhost:8545"
markets:
  comptroller: "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B"
`,
			expectError: true,
		},
		{
			name: "invalid yaml",
			configFile: `
				database:
				  host: localhost
				  port: invalid
			`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configFile := filepath.Join(tmpDir, "config.yaml")
			err := os.WriteFile(configFile, []byte(tt.configFile), 0600)
			require.NoError(t, err)

			cfg, err := LoadEmitterConfig(configFile, tmpDir)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadReconcilerConfig(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *ReconcilerConfig)
	}{
		{
			name: "valid config file",
			configFile: `
database:
  host: localhost
  user: testuser
  password: testpass
  dbname: testdb
nats:
  url: "nats://localhost:4222"
  consumer_name: "custom-consumer"
  ack_wait: "45s"
  max_deliver: 5
`,
			expectError: false,
			validate: func(t *testing.T, cfg *ReconcilerConfig) {
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "testdb", cfg.Database.DBName)
				assert.Equal(t, "custom-consumer", cfg.NATS.ConsumerName)
				assert.Equal(t, "45s", cfg.NATS.AckWait.String())
				assert.Equal(t, 5, cfg.NATS.MaxDeliver)
			},
		},
		{
			name: "config with defaults",
			configFile: `
database:
  host: localhost
  dbname: testdb
nats:
  url: "nats://localhost:4222"
`,
			expectError: false,
			validate: func(t *testing.T, cfg *ReconcilerConfig) {
				assert.Equal(t, "LENDING_EVENTS", cfg.NATS.StreamName)
				assert.Equal(t, "reconciler", cfg.NATS.ConsumerName)
				assert.Equal(t, "30s", cfg.NATS.AckWait.String())
				assert.Equal(t, 3, cfg.NATS.MaxDeliver)
			},
		},
		{
			name: "missing database host",
			configFile: `
nats:
  url: "nats://localhost:4222"
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configFile := filepath.Join(tmpDir, "config.yaml")
			err := os.WriteFile(configFile, []byte(tt.configFile), 0600)
			require.NoError(t, err)

			cfg, err := LoadReconcilerConfig(configFile, tmpDir)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadReconcilerConfig_FromEnvironment(t *testing.T) {
	t.Setenv("LENDSCAN_DATABASE_HOST", "db.internal")
	t.Setenv("LENDSCAN_DATABASE_DBNAME", "lending")
	t.Setenv("LENDSCAN_DATABASE_USER", "indexer")
	t.Setenv("LENDSCAN_NATS_URL", "nats://nats.internal:4222")
	t.Setenv("LENDSCAN_NATS_MAX_DELIVER", "7")

	// An explicit file path that doesn't exist fails
	tmpDir := t.TempDir()
	_, err := LoadReconcilerConfig(filepath.Join(tmpDir, "config.yaml"), tmpDir)
	require.Error(t, err)

	cfg, err := LoadReconcilerConfig("", tmpDir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "lending", cfg.Database.DBName)
	assert.Equal(t, "indexer", cfg.Database.User)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, 7, cfg.NATS.MaxDeliver)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "indexer",
		Password: "secret",
		DBName:   "lending",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=indexer password=secret dbname=lending sslmode=disable",
		cfg.DSN())
}
