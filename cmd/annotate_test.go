package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/speedybat/internal/config"
	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
	"github.com/lehigh-university-libraries/speedybat/internal/store"
)

type nopOpener struct{ opened []string }

func (o *nopOpener) Open(path string) error {
	o.opened = append(o.opened, path)
	return nil
}

func imagesDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "images")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

// runConsole feeds input to a console over dir with the default config
func runConsole(t *testing.T, dir, input string) (string, error) {
	t.Helper()
	cfg := config.Default()
	opts, err := cfg.SessionOptions()
	if err != nil {
		t.Fatalf("Default options invalid: %v", err)
	}
	bindings, err := cfg.Bindings()
	if err != nil {
		t.Fatalf("Default bindings invalid: %v", err)
	}

	var out bytes.Buffer
	c := newConsole(strings.NewReader(input), &out, &nopOpener{})
	opts.Store.Confirm = c.confirm
	s := session.New(opts)
	c.attach(s, keys.New(s, bindings, cfg.AdvanceFields()...), bindings)

	ctx := context.Background()
	if err := s.Load(ctx, dir); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	err = c.run(ctx)
	return out.String(), err
}

func readAnnotations(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, store.BaseName+".csv"))
	if err != nil {
		t.Fatalf("Failed to read annotations: %v", err)
	}
	return string(data)
}

func TestConsoleAnnotates(t *testing.T) {
	dir := imagesDir(t, "IMG_0001.jpg", "IMG_0002.jpg", "IMG_0003.jpg")

	input := strings.Join([]string{
		"sssS",         // two social calls on the first image
		".",            // next
		"n",            // None, which moves on by itself
		"t faint buzz", // note on the third image
		"f",
		"q",
	}, "\n") + "\n"

	out, err := runConsole(t, dir, input)
	if err != nil {
		t.Fatalf("Console failed: %v\n%s", err, out)
	}

	expected := "Image Name,Social Call,Feeding Buzz,None,Bat,Notes\n" +
		"IMG_0001.jpg,2,0,,x,\n" +
		"IMG_0002.jpg,0,0,x,,\n" +
		"IMG_0003.jpg,0,1,,x,faint buzz\n"
	if got := readAnnotations(t, dir); got != expected {
		t.Errorf("Expected:\n%s\ngot:\n%s", expected, got)
	}
	if !strings.Contains(out, "Annotations saved.") {
		t.Errorf("Expected save message, got:\n%s", out)
	}
}

func TestConsoleFocusMode(t *testing.T) {
	dir := imagesDir(t, "IMG_0001.jpg")

	// in note mode shortcut letters are just text
	out, err := runConsole(t, dir, "t\nsnb\n")
	if err != nil {
		t.Fatalf("Console failed: %v\n%s", err, out)
	}
	if got := readAnnotations(t, dir); !strings.Contains(got, "IMG_0001.jpg,0,0,,,snb\n") {
		t.Errorf("Expected note text only, got:\n%s", got)
	}
}

func TestConsoleAddField(t *testing.T) {
	dir := imagesDir(t, "IMG_0001.jpg")

	input := "s\n:add flag m Moth\ny\nm\n:add flag q Quail\n:bind k Moth\n:stats\n"
	out, err := runConsole(t, dir, input)
	if err != nil {
		t.Fatalf("Console failed: %v\n%s", err, out)
	}

	if !strings.Contains(out, "Continue? [y/N]") {
		t.Errorf("Expected overwrite prompt, got:\n%s", out)
	}
	if !strings.Contains(out, `'q' is already a command key`) {
		t.Errorf("Expected command key rejection, got:\n%s", out)
	}
	if !strings.Contains(out, "Moth(k)=x") {
		t.Errorf("Expected Moth rebound to k and set, got:\n%s", out)
	}

	expected := "Image Name,Social Call,Feeding Buzz,None,Bat,Moth,Notes\n" +
		"IMG_0001.jpg,1,0,,x,x,\n"
	if got := readAnnotations(t, dir); got != expected {
		t.Errorf("Expected:\n%s\ngot:\n%s", expected, got)
	}
}

func TestConsoleDeclinedAddField(t *testing.T) {
	dir := imagesDir(t, "IMG_0001.jpg")

	out, err := runConsole(t, dir, ":add counter e Echo\nn\n")
	if err != nil {
		t.Fatalf("Console failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "overwrite declined") {
		t.Errorf("Expected declined error, got:\n%s", out)
	}
	if got := readAnnotations(t, dir); strings.Contains(got, "Echo") {
		t.Errorf("Expected header unchanged, got:\n%s", got)
	}
}
