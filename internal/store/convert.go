package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Convert rewrites the annotations file of dir from one format to another.
// The source file is left in place. An existing target is only replaced
// when overwrite is set.
func Convert(dir, from, to string, overwrite bool) (string, error) {
	src, err := CodecFor(from)
	if err != nil {
		return "", err
	}
	dst, err := CodecFor(to)
	if err != nil {
		return "", err
	}
	if src.Ext() == dst.Ext() {
		return "", fmt.Errorf("source and target format are both %s", dst.Ext())
	}

	srcPath := filepath.Join(dir, BaseName+src.Ext())
	dstPath := filepath.Join(dir, BaseName+dst.Ext())

	if !overwrite {
		if _, err := os.Stat(dstPath); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to replace it)", dstPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", dstPath, err)
		}
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open annotations file: %w", err)
	}
	defer f.Close()

	sheet, err := src.Decode(f)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := dst.Encode(&buf, sheet); err != nil {
		return "", fmt.Errorf("failed to encode annotations: %w", err)
	}
	if err := writeFileAtomic(dstPath, buf.Bytes()); err != nil {
		return "", err
	}

	slog.Info("Annotations converted", "from", srcPath, "to", dstPath, "rows", len(sheet.Rows))
	return dstPath, nil
}
