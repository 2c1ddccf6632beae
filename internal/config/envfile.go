package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// envFiles lists the dotenv files consulted before the environment overlay,
// most specific first.
func envFiles() []string {
	var files []string
	if p := strings.TrimSpace(os.Getenv("PUSHWATCH_ENV_FILE")); p != "" {
		files = append(files, p)
	}
	if home, err := resolveHomeDir(); err == nil {
		files = append(files,
			filepath.Join(home, ".config", "pushwatch", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return files
}

// LoadEnvFileCandidates applies every env file that exists. A variable that
// is already set, in the process or by an earlier file, is never replaced.
func LoadEnvFileCandidates() {
	applied := map[string]bool{}
	for _, p := range envFiles() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if applied[p] {
			continue
		}
		applied[p] = true
		_ = applyEnvFile(p)
	}
}

func applyEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// parseEnvLine reads one KEY=VALUE line. Comments, blank lines and lines
// without a key report ok=false. An "export " prefix and one pair of
// matching quotes around the value are dropped.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		val = val[1 : n-1]
	}
	return key, val, true
}
