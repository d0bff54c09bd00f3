package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/config"
	"github.com/flowgraph/dataflow/internal/core/graph"
	"github.com/flowgraph/dataflow/pkg/dataflow"
)

// cli holds what the persistent flags resolve to. The runtime is opened on
// first use.
type cli struct {
	configPath string
	envFile    string
	store      string
	cfg        *config.Config
	rt         *dataflow.Runtime
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dataflow",
		Short:         "Run and inspect dataflow graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var envFiles []string
			if c.envFile != "" {
				envFiles = append(envFiles, c.envFile)
			}
			cfg, err := config.Load(c.configPath, envFiles...)
			if err != nil {
				return err
			}
			if c.store != "" {
				cfg.Store.Backend = c.store
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("DATAFLOW_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "load environment variables from this file")
	root.PersistentFlags().StringVar(&c.store, "store", "", "flow store backend (memory, sqlite, postgres)")

	root.AddCommand(
		c.runCmd(),
		c.validateCmd(),
		c.layersCmd(),
		c.flowsCmd(),
		c.resumeCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) runtime(ctx context.Context) (*dataflow.Runtime, error) {
	if c.rt != nil {
		return c.rt, nil
	}
	rt, err := dataflow.New(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.rt = rt
	return rt, nil
}

func (c *cli) runCmd() *cobra.Command {
	var (
		inputs        map[string]string
		flowID        string
		mode          string
		maxIterations int
		start, stop   string
	)
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a graph payload file, or a saved flow with --flow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (flowID == "") {
				return fmt.Errorf("give either a payload file or --flow")
			}
			req := &dto.ExecutionRequest{
				FlowID: flowID,
				Inputs: make(map[string]any, len(inputs)),
				Config: dto.ExecutionConfig{
					Mode:          mode,
					StartVertexID: start,
					StopVertexID:  stop,
					MaxIterations: maxIterations,
					ValidateFlow:  true,
				},
			}
			for k, v := range inputs {
				req.Inputs[k] = v
			}
			if len(args) == 1 {
				dump, err := readPayload(args[0])
				if err != nil {
					return err
				}
				req.Payload = &dump.Data
				req.FlowID = dump.Name
			}

			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var resp *dto.ExecutionResponse
			if mode == dto.ModeStream {
				enc := json.NewEncoder(out)
				resp, err = rt.Stream(cmd.Context(), req, func(s dto.StepResult) error {
					return enc.Encode(s)
				})
			} else {
				resp, err = rt.Run(cmd.Context(), req)
			}
			if resp != nil {
				if perr := printJSON(out, resp); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "input value as key=value, repeatable")
	cmd.Flags().StringVar(&flowID, "flow", "", "run the saved flow with this id")
	cmd.Flags().StringVar(&mode, "mode", dto.ModeBatch, "batch or stream")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "bound for cyclic graphs")
	cmd.Flags().StringVar(&start, "start", "", "run only from this vertex")
	cmd.Flags().StringVar(&stop, "stop", "", "run only up to this vertex")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a graph payload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if _, _, err := rt.Layers(data, maxIterations); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "bound for cyclic graphs")
	return cmd
}

func (c *cli) layersCmd() *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "layers <file>",
		Short: "Print the parallel build layers of a graph payload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			layers, cycle, err := rt.Layers(data, maxIterations)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, layer := range layers {
				fmt.Fprintf(out, "%d: %s\n", i, strings.Join(layer, " "))
			}
			if len(cycle) > 0 {
				fmt.Fprintf(out, "cycle: %s\n", strings.Join(cycle, " "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "bound for cyclic graphs")
	return cmd
}

func (c *cli) flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage saved flows",
	}

	save := &cobra.Command{
		Use:   "save <id> <file>",
		Short: "Save a graph payload file under id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			f, err := rt.SaveFlow(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d nodes)\n", f.ID, len(f.Payload.Nodes))
			return nil
		},
	}

	var filter dataflow.FlowFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved flows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			flows, err := rt.Flows().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tNODES\tUPDATED")
			for _, f := range flows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ID, f.Name, len(f.Payload.Nodes), f.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	list.Flags().StringSliceVar(&filter.Tags, "tag", nil, "only flows carrying every tag")
	list.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of flows")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "flows to skip")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.Flows().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(save, list, del)
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <flow-id>",
		Short: "Continue the last persisted run of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.runtime(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := rt.Resume(cmd.Context(), args[0])
			if resp != nil {
				if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skips config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dataflow %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		},
	}
}

func readPayload(path string) (*graph.Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return graph.ParsePayload(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
