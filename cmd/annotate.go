package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
	"github.com/spf13/cobra"
)

func newAnnotateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotate <folder>",
		Short: "Annotate a folder of images from the terminal",
		Long: `Opens a folder of spectrogram images and reads key presses from standard
input, one line at a time. Every character on a line is handled as a key:
field shortcuts increment counters and toggle flags (uppercase decrements),
and the configured command keys move between images, save and quit.

Lines starting with ':' are commands:
  :add <flag|counter> <key|-> <name>   add a field (rewrites the file)
  :bind <key> <name>                   bind a shortcut to a field
  :stats                               show totals for the folder
  :help                                show shortcuts`,
		Example: `  # Annotate with the default bat call fields
  speedybat annotate ./night1/images

  # Write every change through immediately
  SPEEDYBAT_FLUSH_MODE=immediate speedybat annotate ./night1/images`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts, err := cfg.SessionOptions()
			if err != nil {
				return err
			}
			bindings, err := cfg.Bindings()
			if err != nil {
				return err
			}

			c := newConsole(cmd.InOrStdin(), cmd.OutOrStdout(), media.SystemOpener{})
			opts.Store.Confirm = c.confirm
			s := session.New(opts)
			c.attach(s, keys.New(s, bindings, cfg.AdvanceFields()...), bindings)

			if err := s.Load(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.run(cmd.Context())
		},
	}
	return cmd
}

// console is the line-oriented terminal front end
type console struct {
	lines    chan string
	out      io.Writer
	opener   media.Opener
	session  *session.Session
	keys     *keys.Dispatcher
	bindings keys.Bindings
}

func newConsole(in io.Reader, out io.Writer, opener media.Opener) *console {
	c := &console{
		lines:  make(chan string),
		out:    out,
		opener: opener,
	}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()
	return c
}

func (c *console) attach(s *session.Session, d *keys.Dispatcher, b keys.Bindings) {
	c.session = s
	c.keys = d
	c.bindings = b
}

func (c *console) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return line, ok
	}
}

// confirm asks before an existing file is rewritten with a new header
func (c *console) confirm(path string, oldHeader, newHeader []string) bool {
	fmt.Fprintf(c.out, "%s has columns: %s\n", path, strings.Join(oldHeader, ", "))
	fmt.Fprintf(c.out, "Rewrite it with:   %s\n", strings.Join(newHeader, ", "))
	fmt.Fprint(c.out, "Continue? [y/N] ")
	line, _ := c.readLine(context.Background())
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// run handles input until quit, end of input or cancellation, then saves.
// A failed save on the way out is returned.
func (c *console) run(ctx context.Context) error {
	c.printHelp()
	c.render()
	for {
		if c.keys.Focused() {
			fmt.Fprint(c.out, "note> ")
		} else {
			fmt.Fprint(c.out, "> ")
		}
		line, ok := c.readLine(ctx)
		if !ok {
			fmt.Fprintln(c.out)
			break
		}
		quit, err := c.handleLine(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			break
		}
		c.render()
	}

	// the signal context may already be cancelled; saving must still run
	if err := c.session.Close(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to save annotations on exit: %w", err)
	}
	fmt.Fprintln(c.out, "Annotations saved.")
	return nil
}

func (c *console) handleLine(ctx context.Context, line string) (bool, error) {
	if c.keys.Focused() {
		return false, c.finishNote(ctx, line)
	}
	if strings.HasPrefix(line, ":") {
		return false, c.command(ctx, strings.TrimPrefix(line, ":"))
	}

	for i, r := range line {
		if r == ' ' {
			continue
		}
		res, err := c.keys.Handle(ctx, r)
		if err != nil {
			return false, err
		}
		switch res.Action {
		case keys.Quit:
			return true, nil
		case keys.Open:
			if err := c.openCompanion(); err != nil {
				return false, err
			}
		case keys.Focus:
			// text after the focus key is the note itself
			if rest := strings.TrimSpace(line[i+utf8.RuneLen(r):]); rest != "" {
				return false, c.finishNote(ctx, rest)
			}
			fmt.Fprintln(c.out, "Type the note and press Enter (empty line or 'esc' keeps the current note).")
			return false, nil
		}
	}
	return false, nil
}

func (c *console) finishNote(ctx context.Context, text string) error {
	defer c.keys.Blur()
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "esc") {
		return nil
	}
	return c.session.SetNote(ctx, text)
}

func (c *console) openCompanion() error {
	path, err := c.session.CompanionPath()
	if err != nil {
		return err
	}
	return c.opener.Open(path)
}

func (c *console) command(ctx context.Context, line string) error {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch name {
	case "add":
		parts := strings.SplitN(strings.TrimSpace(rest), " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: :add <flag|counter> <key|-> <name>")
		}
		kind, err := schema.ParseKind(parts[0])
		if err != nil {
			return err
		}
		shortcut, err := parseShortcutArg(parts[1])
		if err != nil {
			return err
		}
		if c.bindings.Bound(shortcut) {
			return fmt.Errorf("%q is already a command key", shortcut)
		}
		f, err := c.session.AddField(ctx, parts[2], kind, shortcut)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Added %s %q\n", f.Kind, f.Name)
	case "bind":
		key, field, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return errors.New("usage: :bind <key> <name>")
		}
		shortcut, err := parseShortcutArg(key)
		if err != nil {
			return err
		}
		if c.bindings.Bound(shortcut) {
			return fmt.Errorf("%q is already a command key", shortcut)
		}
		return c.session.BindShortcut(strings.TrimSpace(field), shortcut)
	case "stats":
		c.printStats()
	case "help":
		c.printHelp()
	default:
		return fmt.Errorf("unknown command %q (try :help)", name)
	}
	return nil
}

func parseShortcutArg(s string) (rune, error) {
	if s == "-" {
		return 0, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError {
		return 0, fmt.Errorf("shortcut %q must be a single character", s)
	}
	return r, nil
}

func (c *console) render() {
	v := c.session.View()
	if v.State != session.Ready {
		fmt.Fprintln(c.out, "No folder loaded.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%d/%d] %s |", v.Index+1, v.Total, v.Item)
	for _, f := range v.Fields {
		value := fmt.Sprint(v.Values[f.Name])
		if f.Kind == schema.Flag {
			value = "-"
			if v.Values[f.Name] != 0 {
				value = "x"
			}
		}
		if f.Shortcut != 0 {
			fmt.Fprintf(&b, " %s(%c)=%s", f.Name, f.Shortcut, value)
		} else {
			fmt.Fprintf(&b, " %s=%s", f.Name, value)
		}
	}
	if v.Note != "" {
		fmt.Fprintf(&b, " | note: %s", v.Note)
	}
	if v.Pending > 0 {
		fmt.Fprintf(&b, " | %d unsaved", v.Pending)
	}
	fmt.Fprintln(c.out, b.String())
	if v.Err != nil {
		fmt.Fprintf(c.out, "warning: %v\n", v.Err)
	}
}

func (c *console) printHelp() {
	b := c.bindings
	fmt.Fprintf(c.out, "Keys: next %q  prev %q  next unannotated %q  save %q  open recording %q  note %q  quit %q\n",
		b.Next, b.Prev, b.Jump, b.Save, b.Open, b.Focus, b.Quit)
	fmt.Fprintln(c.out, "Field shortcuts toggle flags and increment counters; uppercase decrements.")
}

func (c *console) printStats() {
	st := c.session.Stats()
	fmt.Fprintf(c.out, "Annotated: %d/%d\n", st.Annotated, st.Total)
	for _, f := range c.session.View().Fields {
		fmt.Fprintf(c.out, "  %-20s %d\n", f.Name, st.Counts[f.Name])
	}
}
