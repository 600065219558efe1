// Package projctx detects project context from a source directory: a pure
// function from directory to tags (framework, ports). Detection is
// deliberately shallow; richer detectors can replace the function without
// touching callers.
package projctx

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Detector maps a project directory to context tags.
type Detector func(dir string) map[string]string

// Detect is the default marker-file detector.
func Detect(dir string) map[string]string {
	out := map[string]string{}
	if dir == "" {
		return out
	}

	switch {
	case exists(filepath.Join(dir, "go.mod")):
		out["framework"] = "go"
	case exists(filepath.Join(dir, "package.json")):
		out["framework"] = "node"
	case exists(filepath.Join(dir, "requirements.txt")), exists(filepath.Join(dir, "pyproject.toml")):
		out["framework"] = "python"
	case exists(filepath.Join(dir, "Cargo.toml")):
		out["framework"] = "rust"
	}

	if port := envPort(filepath.Join(dir, ".env")); port != "" {
		out["dev_server_port"] = port
		out["test_url"] = "http://localhost:" + port
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func envPort(envPath string) string {
	f, err := os.Open(envPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "PORT=") {
			return strings.TrimSpace(strings.TrimPrefix(line, "PORT="))
		}
	}
	return ""
}
