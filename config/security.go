package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	errs "github.com/c360/querystate/errors"
)

const (
	maxFileSize  = 10 << 20 // config layers and snapshots
	maxJSONDepth = 100
	maxEnvVarLen = 10000
	maxPathLen   = 4096
	filePerm     = 0o600
	snapshotExt  = ".json"
	tempPattern  = ".querystate-*"
)

// checkPath rejects empty, oversized and traversing paths, and extensions outside exts.
func checkPath(path string, exts ...string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("cannot resolve absolute path: %w", err)
	}
	if filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(path), "/../") {
			return fmt.Errorf("path traversal not allowed: %s", path)
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get working directory: %w", err)
		}
		rel, err := filepath.Rel(cwd, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return nil
		}
	}
	return fmt.Errorf("unsupported file extension %q: %s", ext, path)
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes > %d", info.Size(), maxFileSize)
	}
	return os.ReadFile(path)
}

// safeReadFile reads a config layer.
func safeReadFile(path string) ([]byte, error) {
	if err := checkPath(path, ".json", ".yaml", ".yml", ".toml"); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	data, err := readLimited(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return data, nil
}

// safeWriteFile replaces path with data through a temporary file in the same
// directory, so readers never see a partial write.
func safeWriteFile(path string, data []byte) error {
	if len(data) > maxFileSize {
		return fmt.Errorf("data too large: %d bytes > %d", len(data), maxFileSize)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// ReadSnapshot reads a dehydrated state file. A missing file returns os.ErrNotExist.
func ReadSnapshot(path string) ([]byte, error) {
	if err := checkPath(path, snapshotExt); err != nil {
		return nil, fmt.Errorf("invalid snapshot path: %w", err)
	}
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return data, nil
}

// WriteSnapshot atomically replaces the snapshot file.
func WriteSnapshot(path string, data []byte) error {
	if err := checkPath(path, snapshotExt); err != nil {
		return fmt.Errorf("invalid snapshot path: %w", err)
	}
	return safeWriteFile(path, data)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth bounds nesting before the document is decoded.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case b == '}' || b == ']':
			depth--
			if depth < 0 {
				return errors.New("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
