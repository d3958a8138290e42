package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// baseEnv is the environment a jailed process starts from. The parent
// environment is cleared by bwrap; only these are injected.
func baseEnv(pathEnv string) map[string]string {
	return map[string]string{
		"PATH":   pathEnv,
		"HOME":   "/workspace",
		"LANG":   "C.UTF-8",
		"LC_ALL": "C.UTF-8",
	}
}

// workspaceEnv loads KEY=VALUE pairs from the agent's workspace .env
// file. A missing file is fine; a malformed file must not poison the
// run, so lines without '=' are dropped before parsing.
func (e *BwrapExecutor) workspaceEnv() map[string]string {
	path := filepath.Join(e.paths.RealRoot("workspace"), ".env")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var keep []string
	for _, line := range strings.Split(string(data), "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.Contains(t, "=") {
			keep = append(keep, line)
		}
	}

	env, err := godotenv.Parse(strings.NewReader(strings.Join(keep, "\n")))
	if err != nil {
		e.logger.Warn("ignoring malformed workspace .env", "error", err)
		return nil
	}
	return env
}
