package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/resume"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/store"
	"github.com/spf13/cobra"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect <folder>",
		Short: "Summarize the annotations of a folder without changing them",
		Long: `Reads the annotations file of a folder and prints how many images are
annotated, totals per field, and where an annotation session would resume.

Nothing is written, so inspect is safe to run while the file is open in a
spreadsheet.`,
		Example: `  # Summarize a night of recordings
  speedybat inspect ./night1/images

  # Inspect the parquet copy
  speedybat inspect ./night1/images --format parquet`,
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
			if format != "" {
				opts.Store.Format = format
			}
			opts.Store.ReadOnly = true

			dir := args[0]
			items, err := media.NewLoader(opts.Extensions...).Load(dir)
			if err != nil {
				return err
			}

			st, err := store.Open(cmd.Context(), dir, media.Names(items), opts.Schema, opts.Store)
			if err != nil {
				return err
			}

			writeSummary(cmd.OutOrStdout(), st, opts.Resume)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Annotations format to read: csv or parquet (default from config)")

	return cmd
}

func writeSummary(w io.Writer, st *store.Store, policy resume.Policy) {
	records := st.Records()
	names := st.Names()
	sch := st.Schema()

	annotated := 0
	totals := make(map[string]int, sch.Len())
	for _, r := range records {
		if r.Annotated() {
			annotated++
		}
		for name, v := range r {
			totals[name] += v
		}
	}

	fmt.Fprintf(w, "Annotations: %s\n", st.Path())
	if !st.OnDisk() {
		fmt.Fprintln(w, "(no annotations file yet)")
	}
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Images:     %d\n", len(records))
	fmt.Fprintf(w, "Annotated:  %d\n", annotated)
	fmt.Fprintf(w, "Columns:    %s\n", strings.Join(st.Header(), ", "))
	if st.Adopted() {
		fmt.Fprintln(w, "Fields were read from the file header")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Totals")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, f := range sch.Fields() {
		label := "images"
		if f.Kind == schema.Counter {
			label = "calls"
		}
		fmt.Fprintf(w, "  %-24s %6d %s\n", f.Name, totals[f.Name], label)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Resume")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, p := range []resume.Policy{resume.FirstUnannotatedPolicy, resume.AfterLastAnnotatedPolicy} {
		if i := resume.Pick(p, records, st.Adopted()); i >= 0 {
			fmt.Fprintf(w, "  %-24s %s (%d/%d)\n", p, names[i], i+1, len(names))
		}
	}
	if i := resume.Pick(policy, records, st.Adopted()); i >= 0 {
		fmt.Fprintf(w, "  %-24s %s\n", "next session ("+string(policy)+")", names[i])
	}
}
