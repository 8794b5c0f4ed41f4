package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down <manifest>",
		Short: "Stop every service in the ecosystem",
		Long: `Down stops every service in reverse dependency order. Services left
behind by an earlier run are found through their persisted state
snapshots and stopped as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, args[0], logger)
			if err != nil {
				return err
			}
			defer rt.close()

			if errs := rt.engine.Down(ctx); len(errs) > 0 {
				for _, stopErr := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", styleBad.Render("✗"), stopErr)
				}
				return &runtimeError{err: fmt.Errorf("%d of %d services failed to stop", len(errs), len(rt.spec.Services))}
			}

			fmt.Fprintln(cmd.OutOrStdout(), styleOK.Render("All services stopped"))
			return nil
		},
	}
}
