package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name under the home dir.
	ConfigDir = ".pushwatch"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PUSHWATCH"
)

// ConfigPath returns $PUSHWATCH_CONFIG or ~/.pushwatch/config.json. A
// leading "~" expands to the home dir.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("PUSHWATCH_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// resolveHomeDir honours $PUSHWATCH_HOME before the user's home dir.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("PUSHWATCH_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Load reads the configuration from the default path.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		path = ""
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path. A missing file is not an
// error; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	LoadEnvFileCandidates()
	cfg := DefaultConfig()

	if path != "" {
		data, err := loadResolvedConfig(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	groups := []struct {
		name string
		spec any
	}{
		{"DATABASE", &cfg.Database},
		{"PLATFORM", &cfg.Platform},
		{"KAFKA", &cfg.Kafka},
		{"NOTIFY", &cfg.Notify},
		{"MEMBERSHIP", &cfg.Membership},
		{"DETECTOR", &cfg.Detector},
		{"RECONCILER", &cfg.Reconciler},
		{"HEALTH", &cfg.Health},
		{"GATEWAY", &cfg.Gateway},
		{"SCHEDULER", &cfg.Scheduler},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.spec); err != nil {
			return nil, fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return cfg, nil
}

// Save writes cfg to the default path with owner-only permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDir creates the directory holding path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// includeKey names the files a config document layers itself over.
const includeKey = "$include"

// docLoader resolves a config document and the documents it includes.
// active holds the files on the current include chain.
type docLoader struct {
	active map[string]bool
}

// loadResolvedConfig reads path with its includes merged underneath it and
// ${VAR} references replaced from the environment.
func loadResolvedConfig(path string) ([]byte, error) {
	l := docLoader{active: map[string]bool{}}
	doc, err := l.load(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (l docLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	includes, err := includeList(doc[includeKey])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	delete(doc, includeKey)

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(base, sub)
	}
	overlay(base, expandRefs(doc).(map[string]any))
	return base, nil
}

// includeList accepts a single path or a list of paths. Blank entries are
// ignored.
func includeList(v any) ([]string, error) {
	var raw []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []any{t}
	case []any:
		raw = t
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	var paths []string
	for _, item := range raw {
		p, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// overlay writes src over dst. Nested objects merge key by key; any other
// value replaces what dst held.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		obj, isObj := v.(map[string]any)
		if !isObj {
			dst[k] = v
			continue
		}
		target, ok := dst[k].(map[string]any)
		if !ok {
			target = make(map[string]any, len(obj))
			dst[k] = target
		}
		overlay(target, obj)
	}
}

// expandRefs replaces ${VAR} in every string of a decoded JSON value. Unset
// variables are left as written.
func expandRefs(v any) any {
	switch t := v.(type) {
	case string:
		return varRef.ReplaceAllStringFunc(t, func(ref string) string {
			if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
				return val
			}
			return ref
		})
	case map[string]any:
		for k := range t {
			t[k] = expandRefs(t[k])
		}
	case []any:
		for i := range t {
			t[i] = expandRefs(t[i])
		}
	}
	return v
}
