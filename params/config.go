// Package params loads exchange-wide configuration from the environment.
package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Simulator holds tuning knobs for the market simulator (spec §4.7, §6).
type Simulator struct {
	PriceInterval time.Duration
	BookInterval  time.Duration
	Depth         int
	// QuietTicks is how many simulator price ticks (PriceInterval) a pair must
	// go without real order flow before the simulator resumes driving it.
	QuietTicks int
}

// Matching holds tuning knobs for the per-pair writer (spec §5).
type Matching struct {
	QueueDepth    int
	SlippageCap   decimal.Decimal
	SubscriberCap int
}

// Storage holds connection settings for the relational store, the snapshot
// store, and the market-data cache.
type Storage struct {
	PostgresDSN  string
	SnapshotPath string
	RedisAddr    string
}

type Config struct {
	APIAddr         string
	StartingBalance decimal.Decimal
	Simulator       Simulator
	Matching        Matching
	Storage         Storage
}

func Default() Config {
	return Config{
		APIAddr:         ":8080",
		StartingBalance: decimal.NewFromInt(10000),
		Simulator: Simulator{
			PriceInterval: 5 * time.Second,
			BookInterval:  2 * time.Second,
			Depth:         15,
			QuietTicks:    30,
		},
		Matching: Matching{
			QueueDepth:    1024,
			SlippageCap:   decimal.NewFromFloat(0.05),
			SubscriberCap: 256,
		},
		Storage: Storage{
			PostgresDSN:  "host=localhost user=exchange password=exchange dbname=exchange sslmode=disable",
			SnapshotPath: "data/snapshots",
			RedisAddr:    "localhost:6379",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.StartingBalance = d
		}
	}
	if v := os.Getenv("SIMULATOR_PRICE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulator.PriceInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SIMULATOR_BOOK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulator.BookInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SIMULATOR_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulator.Depth = n
		}
	}
	if v := os.Getenv("SLIPPAGE_CAP"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Matching.SlippageCap = d
		}
	}
	if v := os.Getenv("SUBSCRIBER_QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matching.SubscriberCap = n
		}
	}
	if v := os.Getenv("PAIR_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matching.QueueDepth = n
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SNAPSHOT_PATH"); v != "" {
		cfg.Storage.SnapshotPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}

	return cfg
}
