package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"bad p2p port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"only without host", func(c *Config) { c.Rendezvous.Only = true }},
		{"host with zero port", func(c *Config) { c.Rendezvous.Host = true; c.Rendezvous.Port = 0 }},
		{"host with bad bind", func(c *Config) { c.Rendezvous.Host = true; c.Rendezvous.Bind = "not-an-ip" }},
		{"remote url bad scheme", func(c *Config) { c.Rendezvous.RemoteURL = "ftp://rv.example.org" }},
		{"remote url unspecified host", func(c *Config) { c.Rendezvous.RemoteURL = "http://0.0.0.0:8787" }},
		{"remote url bad port", func(c *Config) { c.Rendezvous.RemoteURL = "http://rv.example.org:99999" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("want validation error")
			}
		})
	}
}

func TestValidateAcceptsRemoteURL(t *testing.T) {
	cfg := Default()
	for _, u := range []string{"https://rv.example.org", "http://192.168.1.10:8787"} {
		cfg.Rendezvous.RemoteURL = u
		if err := cfg.Validate(); err != nil {
			t.Errorf("url %q rejected: %v", u, err)
		}
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("first Ensure must create the file")
	}
	if cfg.Rendezvous.Port != Default().Rendezvous.Port {
		t.Fatalf("created config differs from defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	cfg.Profile.Name = "ana"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatalf("second Ensure must reuse the file")
	}
	if cfg2.Profile.Name != "ana" {
		t.Fatalf("saved value lost: %+v", cfg2)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"name":"bom"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile.Name != "bom" {
		t.Fatalf("loaded %+v", cfg)
	}
}
