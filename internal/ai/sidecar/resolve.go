package sidecar

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolveBinary finds a helper executable. Candidates are checked in order:
// the explicit override, the env var, PATH lookup of name, then
// ~/.redeven-cli/bin/<name>.
func ResolveBinary(override string, envVar string, name string) (string, error) {
	candidates := binaryCandidates(override, envVar, name)
	failures := make([]string, 0, len(candidates))

	for _, candidate := range candidates {
		resolved := candidate
		if !filepath.IsAbs(resolved) && !strings.ContainsRune(resolved, os.PathSeparator) {
			p, err := exec.LookPath(resolved)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: not found", candidate))
				continue
			}
			resolved = p
		}
		if err := checkExecutable(resolved); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", resolved, err))
			continue
		}
		return resolved, nil
	}

	detail := "no candidate found"
	if len(failures) > 0 {
		detail = strings.Join(failures, "; ")
	}
	return "", fmt.Errorf("helper %q is not installed (%s)", name, detail)
}

func binaryCandidates(override string, envVar string, name string) []string {
	out := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	appendUnique := func(path string) {
		p := strings.TrimSpace(path)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	appendUnique(override)
	if envVar != "" {
		appendUnique(os.Getenv(envVar))
	}
	appendUnique(name)
	if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" && strings.TrimSpace(name) != "" {
		appendUnique(filepath.Join(home, ".redeven-cli", "bin", name))
	}
	return out
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return errors.New("path is a directory")
	}
	if st.Mode()&0o111 == 0 {
		return errors.New("path is not executable")
	}
	return nil
}
