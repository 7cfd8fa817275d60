package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.VM.DefaultGasLimit == 0 {
		t.Fatalf("expected a non-zero default gas limit")
	}
	if cfg.Transport.SocketPath == "" {
		t.Fatalf("expected a default socket path")
	}
}
