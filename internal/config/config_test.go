package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "veil.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	var c Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	if c.SOCKS5Listen != ":1234" || c.Relay != "127.0.0.1:3389" || c.PoolSize != 10 || !c.Lazy {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadFlagsWin(t *testing.T) {
	path := writeConfig(t, `
relay: 10.0.0.1:3389
pool_size: 50
negotiation_timeout: 3s
lazy: false
verbose: true
`)

	var c Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"--pool-size=7", "--verbose=false"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Load(path, fs); err != nil {
		t.Fatal(err)
	}

	if c.Relay != "10.0.0.1:3389" {
		t.Fatalf("relay = %q", c.Relay)
	}
	if c.NegotiationTimeout != 3*time.Second {
		t.Fatalf("negotiation timeout = %v", c.NegotiationTimeout)
	}
	if c.Lazy {
		t.Fatal("lazy should come from the file")
	}
	if c.PoolSize != 7 {
		t.Fatalf("pool size = %d, want the flag value", c.PoolSize)
	}
	if c.Verbose {
		t.Fatal("verbose should keep the flag value")
	}
	if c.SOCKS5Listen != ":1234" {
		t.Fatalf("socks5 listen = %q, want the default", c.SOCKS5Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown_key", body: "relays: x\n"},
		{name: "bad_duration", body: "dial_timeout: soon\n"},
		{name: "bad_yaml", body: "relay: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			c.RegisterFlags(fs)
			if err := c.Load(writeConfig(t, tt.body), fs); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	var c Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := c.Load(filepath.Join(t.TempDir(), "missing.yaml"), fs); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	var c Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := c.Load(writeConfig(t, ""), fs); err != nil {
		t.Fatal(err)
	}
	if c.PoolSize != 10 {
		t.Fatalf("pool size = %d", c.PoolSize)
	}
}
