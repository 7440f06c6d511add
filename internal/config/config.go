package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/veldhuis/stagelink/internal/util"
)

type Config struct {
	Identity   Identity   `json:"identity"`
	Paths      Paths      `json:"paths"`
	P2P        P2P        `json:"p2p"`
	Rendezvous Rendezvous `json:"rendezvous"`
	Profile    Profile    `json:"profile"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`
}

type Rendezvous struct {
	// If true, run a local rendezvous service on Bind:Port.
	Host bool `json:"host"`

	// Local rendezvous service port (used only when Host=true).
	Port int `json:"port"`

	// Bind address for the rendezvous server. Default "127.0.0.1" (localhost
	// only). Set to "0.0.0.0" to accept connections from other machines.
	Bind string `json:"bind"`

	// Remote rendezvous address to use for signaling.
	// Example: https://rv.example.org  or  http://1.2.3.4:8787
	RemoteURL string `json:"remote_url"`

	// Optional path to a SQLite database for persisting claims and buffered
	// actions across restarts. Relative to the data directory. Empty means
	// in-memory only.
	DBPath string `json:"db_path"`

	// Public URL for the rendezvous server, for servers behind NAT or a
	// reverse proxy.
	ExternalURL string `json:"external_url"`

	// If true: run ONLY the rendezvous server; do NOT start a libp2p node.
	// Implies Host=true and requires a valid Port.
	Only bool `json:"only"`
}

type Profile struct {
	// Name is the display name used when joining sessions.
	Name string `json:"name"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Paths: Paths{
			DataDir: "data",
		},
		P2P: P2P{
			ListenPort: 0,
		},
		Rendezvous: Rendezvous{
			Host: false,
			Port: 8787,
			Bind: "127.0.0.1",
		},
		Profile: Profile{
			Name: "guest",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	if c.Rendezvous.Only && !c.Rendezvous.Host {
		return errors.New("rendezvous.only requires rendezvous.host=true")
	}
	if c.Rendezvous.Host {
		if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
			return errors.New("rendezvous.port must be 1..65535 when rendezvous.host is enabled")
		}
		if b := c.Rendezvous.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("rendezvous.bind must be a valid IP address")
			}
		}
	}

	if rw := strings.TrimSpace(c.Rendezvous.RemoteURL); rw != "" {
		if err := validateRemoteURL(rw); err != nil {
			return fmt.Errorf("rendezvous.remote_url: %w", err)
		}
	}

	return nil
}

func validateRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	if host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return errors.New("host must not be unspecified")
		}
	}

	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
