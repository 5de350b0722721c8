package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// readFallbackFile reads KEY=VALUE lines where KEY is a secret reference.
// A missing file yields an empty set.
func readFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	path = strings.TrimSpace(path)
	if path == "" {
		return values, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return values, fmt.Errorf("secrets: open fallback file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawKey, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(rawKey)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		values[ref.key()] = value
		if ref.version == "" {
			values[ref.canonical] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return values, fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
	return values, nil
}
