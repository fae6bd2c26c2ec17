package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Level = "loud" }, true},
		{"file without size", func(c *Config) { c.OutputPath = "x.log"; c.MaxSize = 0 }, true},
		{"negative backups", func(c *Config) { c.MaxBackups = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.ValidateBasic(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestNewWritesToFile verifies that entries reach the rotated file as JSON
// with the node id attached and levels below the threshold dropped
func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.OutputPath = path
	cfg.NodeID = "node-1"

	logger, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Named("engine").Info("dropped")
	logger.Named("engine").Warn("view changed")
	logger.Sync()
	if err := closer.Close(); err != nil {
		t.Fatalf("failed to close log file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 entry, got %d: %s", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v", err)
	}
	if entry["message"] != "view changed" || entry["node_id"] != "node-1" || entry["logger"] != "engine" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "nope"
	if _, _, err := New(cfg); err == nil {
		t.Error("expected an error for an invalid level")
	}
}
