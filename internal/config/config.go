// Package config loads the runtime configuration: a YAML file checked
// against an embedded CUE schema, then environment overrides.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Environment overrides.
const (
	EnvDB          = "FIELDSYNC_DB"
	EnvRemoteURL   = "FIELDSYNC_REMOTE_URL"
	EnvTrustSecret = "FIELDSYNC_TRUST_SECRET"
	EnvAPIAddr     = "FIELDSYNC_API_ADDR"
)

// Config is the resolved runtime configuration.
type Config struct {
	DBPath  string
	Remote  Remote
	Sync    Sync
	Network Network
	Cache   Cache
	Trust   Trust
	API     API
	Log     Log
}

type Remote struct {
	URL       string
	Timeout   time.Duration
	Endpoints map[string]string // record type -> path
}

type Sync struct {
	Interval      time.Duration
	ParallelTypes bool
}

type Network struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

type Cache struct {
	Generation    string
	MutablePrefix string
}

type Trust struct {
	Secret string
}

type API struct {
	Addr string
}

type Log struct {
	Format  string
	Verbose bool
}

// file mirrors the schema; CUE decodes through the json tags.
type file struct {
	DB     string `json:"db"`
	Remote struct {
		URL       string            `json:"url"`
		Timeout   string            `json:"timeout"`
		Endpoints map[string]string `json:"endpoints"`
	} `json:"remote"`
	Sync struct {
		Interval      string `json:"interval"`
		ParallelTypes bool   `json:"parallel_types"`
	} `json:"sync"`
	Network struct {
		ProbeURL      string `json:"probe_url"`
		ProbeInterval string `json:"probe_interval"`
	} `json:"network"`
	Cache struct {
		Generation    string `json:"generation"`
		MutablePrefix string `json:"mutable_prefix"`
	} `json:"cache"`
	Trust struct {
		Secret string `json:"secret"`
	} `json:"trust"`
	API struct {
		Addr string `json:"addr"`
	} `json:"api"`
	Log struct {
		Format  string `json:"format"`
		Verbose bool   `json:"verbose"`
	} `json:"log"`
}

// Load reads the YAML file at path (empty path means defaults only),
// validates it, and applies environment overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse validates YAML bytes against the schema and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	var f file
	if err := value.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	applyEnv(&f)
	return resolve(f)
}

func applyEnv(f *file) {
	if v, ok := os.LookupEnv(EnvDB); ok && v != "" {
		f.DB = v
	}
	if v, ok := os.LookupEnv(EnvRemoteURL); ok {
		f.Remote.URL = v
	}
	if v, ok := os.LookupEnv(EnvTrustSecret); ok {
		f.Trust.Secret = v
	}
	if v, ok := os.LookupEnv(EnvAPIAddr); ok {
		f.API.Addr = v
	}
}

func resolve(f file) (*Config, error) {
	timeout, err := time.ParseDuration(f.Remote.Timeout)
	if err != nil {
		return nil, fmt.Errorf("config: remote.timeout: %w", err)
	}
	interval, err := time.ParseDuration(f.Sync.Interval)
	if err != nil {
		return nil, fmt.Errorf("config: sync.interval: %w", err)
	}
	probe, err := time.ParseDuration(f.Network.ProbeInterval)
	if err != nil {
		return nil, fmt.Errorf("config: network.probe_interval: %w", err)
	}

	return &Config{
		DBPath: f.DB,
		Remote: Remote{
			URL:       f.Remote.URL,
			Timeout:   timeout,
			Endpoints: f.Remote.Endpoints,
		},
		Sync:    Sync{Interval: interval, ParallelTypes: f.Sync.ParallelTypes},
		Network: Network{ProbeURL: f.Network.ProbeURL, ProbeInterval: probe},
		Cache:   Cache{Generation: f.Cache.Generation, MutablePrefix: f.Cache.MutablePrefix},
		Trust:   Trust{Secret: f.Trust.Secret},
		API:     API{Addr: f.API.Addr},
		Log:     Log{Format: f.Log.Format, Verbose: f.Log.Verbose},
	}, nil
}
