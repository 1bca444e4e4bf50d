package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"DefiFlow/sdk/go/defiflow"
)

func printStatus(s defiflow.RunStatus) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "state:   %s\n", s.State)
		if s.RunID != "" {
			fmt.Fprintf(w, "run:     %s\n", s.RunID)
		}
		if s.Session != "" {
			fmt.Fprintf(w, "wallet:  %s\n", s.Session)
		}
		fmt.Fprintf(w, "price:   %.2f\n", s.Price)
		if s.TotalSteps > 0 {
			fmt.Fprintf(w, "step:    %d/%d %s\n", s.Step, s.TotalSteps, s.StepLabel)
		}
		for _, h := range s.TxHashes {
			if link, ok := s.Explorer[h]; ok {
				fmt.Fprintf(w, "tx:      %s %s\n", h, link)
				continue
			}
			fmt.Fprintf(w, "tx:      %s\n", h)
		}
		if s.Error != "" {
			fmt.Fprintf(w, "error:   %s (%s)\n", s.Error, s.Category)
		}
	}
}

// NewConnectCommand connects the daemon's wallet session.
func NewConnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect the signing wallet and establish the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			addr, err := c.ConnectWallet(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), map[string]string{"address": addr}, func(w io.Writer) { fmt.Fprintln(w, addr) })
		},
	}
}

// NewStatusCommand prints the current run state.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run state, progress and transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			s, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), s, printStatus(s))
		},
	}
}

// NewControlCommand builds start, stop and dismiss.
func NewControlCommand(opts *RootOptions, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var s defiflow.RunStatus
			switch op {
			case "start":
				s, err = c.Start(cmd.Context())
			case "stop":
				s, err = c.Stop(cmd.Context())
			default:
				s, err = c.Dismiss(cmd.Context())
			}
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), s, printStatus(s))
		},
	}
}

// NewWatchCommand follows the run event stream.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	var replay int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow run events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			err = c.Watch(ctx, replay, func(ev defiflow.Event) error {
				return opts.render(out, ev, func(w io.Writer) { fmt.Fprintln(w, describeEvent(ev)) })
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&replay, "replay", 0, "resend this many past events first")
	return cmd
}

func describeEvent(ev defiflow.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-14s", ev.At.Format(time.TimeOnly), ev.Type)
	if ev.RunID != "" {
		fmt.Fprintf(&b, " run=%s", ev.RunID)
	}
	if ev.State != "" {
		fmt.Fprintf(&b, " state=%s", ev.State)
	}
	if ev.TotalSteps > 0 {
		fmt.Fprintf(&b, " step=%d/%d %s", ev.Step, ev.TotalSteps, ev.Label)
	}
	if ev.Price > 0 {
		fmt.Fprintf(&b, " price=%.2f", ev.Price)
	}
	if ev.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", ev.TxHash)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	return b.String()
}

// NewRunsCommand lists the run history or shows one run.
func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				r, err := c.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), r, nil)
			}
			runs, err := c.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), runs, func(w io.Writer) {
				for _, r := range runs {
					line := fmt.Sprintf("%s  %-10s %s txs=%d", r.StartedAt.Format(time.DateTime), r.State, r.ID, len(r.TxHashes))
					if r.Error != "" {
						line += fmt.Sprintf(" error=%q", r.Error)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

// NewChainsCommand shows configured chains.
func NewChainsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "Show configured chains and their latest block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			chains, err := c.Chains(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), chains, func(w io.Writer) {
				for _, ch := range chains {
					fmt.Fprintf(w, "%-12s chain_id=%s block=%s %s\n", ch.Name, ch.ChainID, ch.BlockNumber, ch.Notes)
				}
			})
		},
	}
}
