package media

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrFileNotFound is returned when an item has no companion recording on disk
var ErrFileNotFound = errors.New("companion file not found")

// Companion describes how a spectrogram image maps to its recording:
// IMG_20230401_2130.jpg in night1/images -> night1/20230401_2130.wav
type Companion struct {
	PrefixLen int
	Extension string
}

// DefaultCompanion strips "IMG_" and looks for a .wav recording
var DefaultCompanion = Companion{PrefixLen: 4, Extension: ".wav"}

// Path computes the expected companion path for item name inside folder.
// The name is cut at its first dot, so multi-dot names keep only the stem.
func (c Companion) Path(folder, name string) (string, error) {
	base := filepath.Base(name)
	if len(base) <= c.PrefixLen {
		return "", fmt.Errorf("file name %q is shorter than the %d character prefix", base, c.PrefixLen)
	}
	stem, _, _ := strings.Cut(base[c.PrefixLen:], ".")
	if stem == "" {
		return "", fmt.Errorf("file name %q has no stem after the prefix", base)
	}

	ext := c.Extension
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	parent := filepath.Dir(filepath.Clean(folder))
	return filepath.Join(parent, stem+ext), nil
}

// Resolve is Path plus an existence check
func (c Companion) Resolve(folder, name string) (string, error) {
	path, err := c.Path(folder, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to stat companion file: %w", err)
	}
	return path, nil
}

// Opener hands a file to the desktop's default application
type Opener interface {
	Open(path string) error
}

// SystemOpener shells out to the platform launcher
type SystemOpener struct{}

func (SystemOpener) Open(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch default application: %w", err)
	}
	slog.Info("Opened companion file", "path", path)
	// the launcher exits on its own; reap it so it does not linger as a zombie
	go func() { _ = cmd.Wait() }()
	return nil
}

// Dimensions reads the width and height from an image header
func Dimensions(imagePath string) (int, int, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	img, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, err
	}

	return img.Width, img.Height, nil
}
