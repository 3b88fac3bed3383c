package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendFlow = "flow"
	BackendEVM  = "evm"

	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	ChainBackend string `env:"CHAIN_BACKEND"`

	FlowAccessURL string `env:"FLOW_ACCESS_URL"`
	FlowWSURL     string `env:"FLOW_WS_URL"`

	EthRPCURL            string `env:"ETH_RPC_URL"`
	EthWSURL             string `env:"ETH_WS_URL"`
	EVMSealConfirmations uint64 `env:"EVM_SEAL_CONFIRMATIONS"`
	EVMWorkers           int    `env:"EVM_WORKERS"`
	EVMTasksBuffer       int    `env:"EVM_TASKS_BUFFER"`

	StoreDriver string `env:"STORE_DRIVER"`
	StateDir    string `env:"STATE_DIR"`
	PostgresURL string `env:"POSTGRES_URL"`

	PollInterval    time.Duration `env:"POLL_INTERVAL"`
	PollMaxAttempts int           `env:"POLL_MAX_ATTEMPTS"`
	PollRPS         float64       `env:"POLL_RPS"`
	PollMaxInFlight int64         `env:"POLL_MAX_IN_FLIGHT"`
	CallTimeout     time.Duration `env:"CALL_TIMEOUT"`

	SettleDelay    time.Duration `env:"SETTLE_DELAY"`
	CallbackBuffer int           `env:"CALLBACK_BUFFER"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	TelegramToken   string  `env:"TELEGRAM_TOKEN"`
	TelegramChatIDs []int64 `env:"TELEGRAM_CHAT_IDS" envSeparator:","`
	NotifyBuffer    int     `env:"NOTIFY_BUFFER"`

	MetricsAddr string `env:"METRICS_ADDR"`
}

func defaultConfig() Config {
	return Config{
		ChainBackend:         BackendFlow,
		FlowAccessURL:        "https://rest-mainnet.onflow.org",
		FlowWSURL:            "wss://rest-mainnet.onflow.org/v1/ws",
		EVMSealConfirmations: 12,
		EVMWorkers:           4,
		EVMTasksBuffer:       1024,
		StoreDriver:          StoreFile,
		StateDir:             "./data",
		PollInterval:         5 * time.Second,
		PollMaxAttempts:      60,
		PollRPS:              20,
		PollMaxInFlight:      16,
		CallTimeout:          10 * time.Second,
		SettleDelay:          3 * time.Second,
		CallbackBuffer:       1024,
		LogLevel:             "info",
		LogFormat:            "console",
		NotifyBuffer:         4096,
	}
}

// LoadConfig reads .env (if present) and the environment on top of the
// defaults.
func LoadConfig() (Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	config := defaultConfig()
	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	switch c.ChainBackend {
	case BackendFlow:
		if c.FlowAccessURL == "" {
			return fmt.Errorf("FLOW_ACCESS_URL is required for the flow backend")
		}
	case BackendEVM:
		if c.EthRPCURL == "" && c.EthWSURL == "" {
			return fmt.Errorf("ETH_RPC_URL or ETH_WS_URL is required for the evm backend")
		}
	default:
		return fmt.Errorf("unknown CHAIN_BACKEND %q", c.ChainBackend)
	}

	switch c.StoreDriver {
	case StoreFile, StoreSQLite:
		if c.StateDir == "" {
			return fmt.Errorf("STATE_DIR is required for the %s store", c.StoreDriver)
		}
	case StorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.PollInterval <= 0 || c.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_INTERVAL and POLL_MAX_ATTEMPTS must be positive")
	}
	return nil
}
