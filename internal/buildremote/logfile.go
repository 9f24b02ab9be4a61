// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
	"github.com/thufschmitt/hydra/store"
)

// logFilePath returns the log location for a derivation:
// the first two characters of the derivation's base name form
// a directory shard, the remainder is the file name.
// Sharding keeps any single directory from accumulating
// hundreds of thousands of entries.
func logFilePath(logDir string, drvPath store.Path) string {
	base := drvPath.Base()
	return filepath.Join(logDir, base[:2], base[2:])
}

// openLogFile creates (or truncates) the build log for drvPath under logDir,
// creating the shard directory as needed.
func openLogFile(logDir string, drvPath store.Path) (*os.File, string, error) {
	path := logFilePath(logDir, drvPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}

// compressLogFile rewrites the log at path as bzip2 at path+".bz2"
// and removes the original.
// It returns the compressed file's path.
func compressLogFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("compress log file: %w", err)
	}
	defer src.Close()

	dstPath := path + ".bz2"
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("compress log file: %w", err)
	}
	zw, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("compress log file: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("compress log file %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("compress log file %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("compress log file %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("compress log file: %w", err)
	}
	return dstPath, nil
}
