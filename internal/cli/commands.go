package cli

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/avi3tal/dagpipe/pkg/router"
	"github.com/avi3tal/dagpipe/pkg/workflow"
)

func newValidateCommand(opts *options) *cobra.Command {
	var (
		threshold float64
		estimate  bool
		format    string
	)
	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow file and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parseOpts []workflow.ParseOption
			if estimate {
				parseOpts = append(parseOpts, workflow.WithComplexityEstimate())
			}
			def, err := workflow.LoadFile(args[0], parseOpts...)
			if err != nil {
				return err
			}
			opts.logger.Debug("workflow loaded", "path", args[0], "tasks", len(def.Tasks()))

			out := cmd.OutOrStdout()
			switch format {
			case "text":
			case "mermaid":
				fmt.Fprint(out, def.Graph().Mermaid())
				return nil
			default:
				return fmt.Errorf("unknown format %q (want text or mermaid)", format)
			}

			fmt.Fprintf(out, "%s: %d tasks, %d schemas\n", args[0], len(def.Tasks()), len(def.SchemaNames()))
			fmt.Fprintln(out, "order:")
			for i, t := range def.Graph().Order() {
				var parts []string
				parts = append(parts, "fn="+t.Function)
				if len(t.DependsOn) > 0 {
					parts = append(parts, "after="+strings.Join(t.DependsOn, ","))
				}
				if t.Deterministic {
					parts = append(parts, "deterministic")
				} else {
					tier := router.PreferredTier(t.Complexity, threshold)
					parts = append(parts, fmt.Sprintf("complexity=%.2f tier=%s", t.Complexity, tier))
				}
				if t.OutputSchema != "" {
					parts = append(parts, "schema="+t.OutputSchema)
				}
				fmt.Fprintf(out, "  %d. %s  %s\n", i+1, t.ID, strings.Join(parts, "  "))
			}

			var levels []string
			for _, level := range def.Graph().Levels() {
				ids := make([]string, len(level))
				for i, t := range level {
					ids[i] = t.ID
				}
				levels = append(levels, "["+strings.Join(ids, " ")+"]")
			}
			fmt.Fprintf(out, "levels: %s\n", strings.Join(levels, " "))
			fmt.Fprintf(out, "functions: %s\n", strings.Join(def.Functions(), ", "))
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", router.DefaultThreshold, "complexity at which the high tier is preferred")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or mermaid")
	cmd.Flags().BoolVar(&estimate, "estimate-complexity", false, "score tasks without a complexity from their description")
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow.yaml>",
		Short: "Show which tasks are checkpointed and where a run would resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			def, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeStore(); cerr != nil && err == nil {
					err = errors.Wrap(cerr, "close checkpoint store")
				}
			}()

			ctx := cmd.Context()
			saved, err := store.List(ctx)
			if err != nil {
				return errors.Wrap(err, "list checkpoints")
			}
			done := make(map[string]bool, len(saved))
			for _, id := range saved {
				done[id] = true
			}

			out := cmd.OutOrStdout()
			var resumeAt string
			pending := 0
			for _, t := range def.Graph().Order() {
				state := "done"
				if !done[t.ID] {
					state = "pending"
					pending++
					if resumeAt == "" {
						resumeAt = t.ID
					}
				}
				fmt.Fprintf(out, "  %-8s %s\n", state, t.ID)
				delete(done, t.ID)
			}

			if len(done) > 0 {
				var orphans []string
				for _, id := range saved {
					if done[id] {
						orphans = append(orphans, id)
					}
				}
				fmt.Fprintf(out, "checkpoints not in workflow: %s\n", strings.Join(orphans, ", "))
			}
			if resumeAt == "" {
				fmt.Fprintf(out, "complete: all %d tasks checkpointed in %s\n", len(def.Tasks()), opts.dir)
				return nil
			}
			fmt.Fprintf(out, "%d of %d tasks pending; a run resumes at %s\n", pending, len(def.Tasks()), resumeAt)
			return nil
		},
	}
}

func newClearCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every checkpoint in the checkpoint directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeStore(); cerr != nil && err == nil {
					err = errors.Wrap(cerr, "close checkpoint store")
				}
			}()

			ctx := cmd.Context()
			saved, err := store.List(ctx)
			if err != nil {
				return errors.Wrap(err, "list checkpoints")
			}
			if err := store.Clear(ctx); err != nil {
				return errors.Wrap(err, "clear checkpoints")
			}
			opts.logger.Info("checkpoints cleared", "dir", opts.dir, "count", len(saved))
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d checkpoints in %s\n", len(saved), opts.dir)
			return nil
		},
	}
}
