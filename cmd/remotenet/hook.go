package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zboralski/remotenet/internal/app"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/script"
	"github.com/zboralski/remotenet/internal/trace"
)

func newHookCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "hook <script.js>",
		Short: "Install JavaScript hook handlers and trace calls",
		Long: `Load a script that declares hooks and run its handlers until interrupted:

  hook({type: "Sandbox.Person", method: "Birthday", position: "prefix"}, function (call) {
      log(call.instance.get("Name"), "is getting older");
      return false; // skip the original
  });

position is prefix (default), postfix or finalizer. params selects an
overload by parameter type names; instance restricts the hook to one object.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sc, err := script.Load(filepath.Base(args[0]), string(src), glog.Get())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			collector := trace.NewCollector(limit)
			collector.OnAdd = func(e *trace.Event) {
				fmt.Fprintln(out, formatEvent(e))
			}

			ctx := cmd.Context()
			s, err := connect(ctx, app.Options{Collector: collector})
			if err != nil {
				return err
			}
			defer s.Close(context.WithoutCancel(ctx))

			for _, h := range sc.Hooks() {
				m, err := s.Method(ctx, h.Type, h.Method, h.Params)
				if err != nil {
					return err
				}
				if _, err := s.Hooks().Hook(ctx, m, h.Position, h.Handler, h.Instance); err != nil {
					return fmt.Errorf("hook %s: %w", m, err)
				}
				printHeading(out, "hooked", m.String(), string(h.Position))
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "keep", 1000, "trace events kept in memory")
	return cmd
}
