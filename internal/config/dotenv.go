package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDotEnv applies KEY=VALUE files in order. Missing files are skipped and
// variables already present in the process environment are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		values, err := parseDotEnv(file)
		_ = file.Close()
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		applyDefaults(values)
	}
	return nil
}

func parseDotEnv(reader io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = unquoteValue(value)
	}
	return values, scanner.Err()
}

// applyDefaults sets each key unless the environment already has it.
func applyDefaults(values map[string]string) {
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func unquoteValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 {
		switch quote := trimmed[0]; {
		case quote == '"' && trimmed[len(trimmed)-1] == '"':
			return strings.NewReplacer(
				`\\`, `\`,
				`\n`, "\n",
				`\t`, "\t",
				`\"`, `"`,
			).Replace(trimmed[1 : len(trimmed)-1])
		case quote == '\'' && trimmed[len(trimmed)-1] == '\'':
			return trimmed[1 : len(trimmed)-1]
		}
	}
	// VALUE # comment
	if index := strings.Index(trimmed, " #"); index >= 0 {
		return strings.TrimSpace(trimmed[:index])
	}
	return trimmed
}
