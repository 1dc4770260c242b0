package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration, loaded from environment
// variables (optionally seeded from a .env file by main).
type Config struct {
	ServicePort string `env:"SERVICE_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	RPCURL          string `env:"RPC_URL,required"`
	ContractAddress string `env:"CONTRACT_ADDRESS,required"`
	AdminPrivateKey string `env:"ADMIN_PRIVATE_KEY,required"`
	BargePrivateKey string `env:"BARGE_PRIVATE_KEY,required"`
	ChiefPrivateKey string `env:"CHIEF_PRIVATE_KEY,required"`

	// Boot-time registration of the configured counterparties.
	ShipIMO      string `env:"SHIP_IMO" envDefault:"IMO9876543"`
	SupplierID   uint64 `env:"SUPPLIER_ID" envDefault:"5500"`
	ChiefAddress string `env:"CHIEF_ADDRESS"`
	BargeAddress string `env:"BARGE_ADDRESS"`

	TelegramToken  string        `env:"TELEGRAM_TOKEN"`
	ChiefChatID    string        `env:"CHIEF_CHAT_ID"`
	ApprovalWindow time.Duration `env:"APPROVAL_WINDOW" envDefault:"60s"`
	ApprovalPoll   time.Duration `env:"APPROVAL_POLL_INTERVAL" envDefault:"3s"`

	SealPollInterval time.Duration `env:"SEAL_POLL_INTERVAL" envDefault:"2s"`
	MasterKeyPath    string        `env:"QUANTUM_KEY_PATH" envDefault:"keys/master_quantum.key"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
