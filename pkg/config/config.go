package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EffectiveConfigResult is the merged view of file, env and flags that the
// rest of the process consumes.
type EffectiveConfigResult struct {
	Config    *Config
	Addr      string
	CachePath string
	// Source summarizes where values came from: "flags", "env", "config"
	Source string
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, cachePath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", "127.0.0.1:8471", "view API listen address")
	cachePtr := flag.String("cache", "./.msgsync-cache", "local message cache path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *cachePtr, *cfgPtr, setFlags
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `MSGSYNC_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("MSGSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("MSGSYNC_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("MSGSYNC_BACKEND_URL"); v != "" {
		envUsed = true
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("MSGSYNC_BACKEND_KEY"); v != "" {
		envUsed = true
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("MSGSYNC_PUSH_URL"); v != "" {
		envUsed = true
		cfg.Push.URL = v
	}
	if v := os.Getenv("MSGSYNC_PUSH_DISABLED"); v != "" {
		envUsed = true
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			cfg.Push.Disabled = true
		default:
			cfg.Push.Disabled = false
		}
	}
	if v := os.Getenv("MSGSYNC_CACHE_PATH"); v != "" {
		envUsed = true
		cfg.Cache.Path = v
	}
	if v := os.Getenv("MSGSYNC_POLL_INTERVAL"); v != "" {
		var d Duration
		if err := d.UnmarshalYAML(&yaml.Node{Value: strings.TrimSpace(v)}); err == nil {
			envUsed = true
			cfg.Sync.PollInterval = d
		}
	}
	if v := os.Getenv("MSGSYNC_USER_ID"); v != "" {
		envUsed = true
		cfg.Identity.UserID = v
	}
	if v := os.Getenv("MSGSYNC_USER_ROLE"); v != "" {
		envUsed = true
		cfg.Identity.Role = v
	}
	if v := os.Getenv("MSGSYNC_MODERATOR_ROLES"); v != "" {
		envUsed = true
		cfg.Moderation.ModeratorRoles = parseList(v)
	}
	if v := os.Getenv("MSGSYNC_AUTO_APPROVE_ROLES"); v != "" {
		envUsed = true
		cfg.Moderation.AutoApproveRoles = parseList(v)
	}
	if v := os.Getenv("MSGSYNC_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides, then flag overrides. Flags win over env, env wins
// over the file.
func LoadEffective(path string, addrFlag, cacheFlag string, setFlags map[string]bool) (EffectiveConfigResult, error) {
	cfg, err := Load(path)
	fileUsed := err == nil
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)

	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrFlag
	}
	cachePath := cfg.Cache.Path
	if cachePath == "" || setFlags["cache"] {
		cachePath = cacheFlag
	}

	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if fileUsed {
		srcs = append(srcs, "config")
	}
	return EffectiveConfigResult{
		Config:    cfg,
		Addr:      addr,
		CachePath: cachePath,
		Source:    strings.Join(srcs, ", "),
	}, nil
}
