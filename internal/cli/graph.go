package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"DefiFlow/sdk/go/defiflow"
)

// NewGraphCommand groups the graph editing commands.
func NewGraphCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and edit the workflow graph",
	}
	cmd.AddCommand(newGraphShowCommand(opts))
	cmd.AddCommand(newGraphApplyCommand(opts))
	cmd.AddCommand(newGraphValidateCommand(opts))
	cmd.AddCommand(newGraphResetCommand(opts))
	cmd.AddCommand(newGraphAddCommand(opts))
	cmd.AddCommand(newGraphConnectCommand(opts))
	cmd.AddCommand(newGraphSetCommand(opts))
	cmd.AddCommand(newGraphRemoveCommand(opts))
	return cmd
}

func printGraph(g defiflow.Graph) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "version %d: %d nodes, %d edges\n", g.Version, len(g.Nodes), len(g.Edges))
		for _, n := range g.Nodes {
			out := n.Runtime.Output
			if out == "" {
				out = "-"
			}
			fmt.Fprintf(w, "  %-24s %-9s %-24s output=%s\n", n.ID, n.Kind, n.Label, out)
		}
		for _, e := range g.Edges {
			fmt.Fprintf(w, "  %s -> %s\n", e.Source, e.Target)
		}
	}
}

func newGraphShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			g, err := c.Graph(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), g, printGraph(g))
		},
	}
}

func newGraphApplyCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Replace the graph with the nodes and edges of a JSON file",
		Long: `Replace the whole graph atomically.

The file holds {"nodes": [...], "edges": [...]} in the same shape that
"graph show --format json" prints. Use "-" to read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			var g defiflow.Graph
			if err := json.Unmarshal(raw, &g); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.ReplaceGraph(cmd.Context(), g)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, printGraph(out))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "graph JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGraphValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check whether the graph can be started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			v, err := c.Validate(cmd.Context())
			if err != nil {
				return err
			}
			if err := opts.render(cmd.OutOrStdout(), v, func(w io.Writer) {
				if v.Valid {
					fmt.Fprintf(w, "ok, entry %s\n", v.EntryID)
					return
				}
				fmt.Fprintln(w, v.Reason)
			}); err != nil {
				return err
			}
			if !v.Valid {
				return fmt.Errorf("graph is not runnable")
			}
			return nil
		},
	}
}

func newGraphResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove every node and edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.ResetGraph(cmd.Context())
		},
	}
}

func newGraphAddCommand(opts *RootOptions) *cobra.Command {
	var (
		id, label, config string
		x, y              float64
	)
	cmd := &cobra.Command{
		Use:   "add <kind>",
		Short: "Add a node (trigger, bridge, action, resolver, transfer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := defiflow.NodeSpec{Kind: args[0], ID: id, Label: label, Position: defiflow.Position{X: x, Y: y}}
			if config != "" {
				spec.Config = json.RawMessage(config)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			n, err := c.AddNode(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), n, func(w io.Writer) { fmt.Fprintln(w, n.ID) })
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (generated when empty)")
	cmd.Flags().StringVar(&label, "label", "", "node label")
	cmd.Flags().StringVar(&config, "config", "", "node config as a JSON object")
	cmd.Flags().Float64Var(&x, "x", 0, "canvas x")
	cmd.Flags().Float64Var(&y, "y", 0, "canvas y")
	return cmd
}

func newGraphConnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <source> <target>",
		Short: "Connect two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			e, err := c.Connect(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), e, func(w io.Writer) { fmt.Fprintln(w, e.ID) })
		},
	}
}

func newGraphSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <node-id> <json-patch>",
		Short: "Merge fields into a node's configuration",
		Example: `  defiflowctl graph set trigger-1 '{"threshold":"3100"}'
  defiflowctl graph set action-1 '{"input":"0.5"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]any
			if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
				return fmt.Errorf("patch must be a JSON object: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			n, err := c.PatchConfig(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), n, func(w io.Writer) { fmt.Fprintf(w, "%s %s\n", n.ID, n.Config) })
		},
	}
}

func newGraphRemoveCommand(opts *RootOptions) *cobra.Command {
	var edge bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a node, or an edge with --edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if edge {
				return c.RemoveEdge(cmd.Context(), args[0])
			}
			return c.RemoveNode(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&edge, "edge", false, "remove an edge instead of a node")
	return cmd
}

// NewIntentCommand compiles natural language into the graph.
func NewIntentCommand(opts *RootOptions) *cobra.Command {
	var price float64
	cmd := &cobra.Command{
		Use:   "intent <text>",
		Short: "Compile a natural-language intent into the graph",
		Example: `  defiflowctl intent "when ETH goes above 3000, swap 1 ETH and pay alice.eth 10 USDC"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var hint *float64
			if cmd.Flags().Changed("price") {
				hint = &price
			}
			res, err := c.CompileIntent(cmd.Context(), args[0], hint)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintln(w, res.Thought)
				printGraph(res.Graph)(w)
				if res.Issue != "" {
					fmt.Fprintf(w, "not runnable yet: %s\n", res.Issue)
				}
			})
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "price hint passed to the model (defaults to the latest price)")
	return cmd
}
