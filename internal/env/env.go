package env

import (
	"bufio"
	"os"
	"strings"
)

// Merge composes the child environment: the OS environment as base, then
// extra "K=V" entries from config, last entry wins. Values get a simple
// ${VAR} expansion against the composed map (no recursion).
func Merge(extra []string) []string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// LoadFiles reads dotenv-style files in order and returns their "K=V"
// entries. Blank lines and #-comments are skipped; a missing file is an
// error.
func LoadFiles(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if _, _, ok := split(line); ok {
				out = append(out, line)
			}
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
