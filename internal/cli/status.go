package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wronai/pactown/internal/domain"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <manifest>",
		Short: "Show the status of every service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, args[0], logger)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.engine.Reconcile(ctx)
			rows := rt.engine.Status(ctx)

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(styleDim).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return styleTitle.Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("SERVICE", "PORT", "STATE", "PID", "HEALTH", "UPTIME")

			for _, row := range rows {
				t.Row(row.Name,
					orDash(row.Port),
					renderState(row.State),
					orDash(row.PID),
					renderHealth(row.Healthy),
					renderUptime(row.Uptime))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styleTitle.Render("Ecosystem: "+rt.spec.Name))
			fmt.Fprintln(out, t)
			return nil
		},
	}
}

func orDash(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func renderState(state domain.SandboxState) string {
	switch state {
	case domain.StateRunning:
		return styleOK.Render(string(state))
	case domain.StateDead:
		return styleBad.Render(string(state))
	case "":
		return styleDim.Render("not started")
	default:
		return styleWarn.Render(string(state))
	}
}

func renderHealth(healthy *bool) string {
	switch {
	case healthy == nil:
		return styleDim.Render("-")
	case *healthy:
		return styleOK.Render("healthy")
	default:
		return styleBad.Render("unhealthy")
	}
}

func renderUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}
