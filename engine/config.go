package engine

import (
	"fmt"
	"time"
)

// Config holds configuration for the consensus service
type Config struct {
	// Network is the magic mixed into every signature
	Network uint32

	// Timeouts
	Timeouts TimeoutConfig

	// Block configuration
	MaxTransactionsPerBlock int

	// Seen-message cache used to drop retransmitted messages
	MessageCacheSize int
	MessageCacheTTL  time.Duration

	// Channel sizes
	CommandBufferSize int
	EventBufferSize   int

	// SnapshotRetention is how many heights of snapshots and message logs
	// are kept. Zero keeps everything.
	SnapshotRetention uint64
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Network:                 0x44424654, // "DBFT"
		Timeouts:                DefaultTimeoutConfig(),
		MaxTransactionsPerBlock: 500,
		MessageCacheSize:        10000,
		MessageCacheTTL:         10 * time.Minute,
		CommandBufferSize:       256,
		EventBufferSize:         256,
		SnapshotRetention:       100,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.Timeouts.BlockTime <= 0 {
		return fmt.Errorf("block time must be positive, got %v", cfg.Timeouts.BlockTime)
	}
	if cfg.Timeouts.MaxBackoffShift > 16 {
		return fmt.Errorf("backoff shift %d too large", cfg.Timeouts.MaxBackoffShift)
	}
	if cfg.MaxTransactionsPerBlock <= 0 {
		return fmt.Errorf("max transactions per block must be positive, got %d", cfg.MaxTransactionsPerBlock)
	}
	if cfg.MessageCacheSize <= 0 {
		return fmt.Errorf("message cache size must be positive, got %d", cfg.MessageCacheSize)
	}
	if cfg.CommandBufferSize < 0 || cfg.EventBufferSize < 0 {
		return fmt.Errorf("channel buffer sizes must not be negative")
	}
	return nil
}
