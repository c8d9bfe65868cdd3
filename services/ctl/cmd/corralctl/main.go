package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"corrald/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "corralctl",
		Short:         "Utility for managing corrald nodes and conductors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiBase, "api", os.Getenv("CORRAL_API"), "corral API base URL (default $CORRAL_API)")

	cmd.AddCommand(newNodesCommand(&apiBase))
	cmd.AddCommand(newConductorsCommand(&apiBase))
	return cmd
}

func newNodesCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Node lifecycle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newNodesEnrollCommand(apiBase))
	cmd.AddCommand(newNodesListCommand(apiBase))
	cmd.AddCommand(newNodesShowCommand(apiBase))
	cmd.AddCommand(newNodesProvisionCommand(apiBase))
	cmd.AddCommand(newNodesHistoryCommand(apiBase))
	cmd.AddCommand(newNodesDeleteCommand(apiBase))
	return cmd
}

func newNodesEnrollCommand(apiBase *string) *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Register a node from a YAML spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			data, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}
			var spec ctl.EnrollSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}

			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			node, err := client.Enroll(ctx, spec)
			if err != nil {
				return err
			}
			return printJSON(cmd, node)
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "path to node spec YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newNodesListCommand(apiBase *string) *cobra.Command {
	var (
		driver string
		state  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			out, err := client.ListNodes(commandContext(cmd), driver, state)
			if err != nil {
				return err
			}

			nodes, _ := out["nodes"].([]any)
			if len(nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no nodes")
				return nil
			}
			for _, raw := range nodes {
				node, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					stringField(node, "id"),
					stringField(node, "name"),
					stringField(node, "driver"),
					stringField(node, "provision_state"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "filter by driver name")
	cmd.Flags().StringVar(&state, "provision-state", "", "filter by provision state")
	return cmd
}

func newNodesShowCommand(apiBase *string) *cobra.Command {
	var states bool

	cmd := &cobra.Command{
		Use:   "show <node>",
		Short: "Show a node by id or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			var out map[string]any
			if states {
				out, err = client.States(ctx, args[0])
			} else {
				out, err = client.GetNode(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().BoolVar(&states, "states", false, "show the live state projection instead of the record")
	return cmd
}

func newNodesProvisionCommand(apiBase *string) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "provision <node> <target>",
		Short: "Request a provisioning action (manage, provide, deploy, clean, delete, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}

			extra, err := parseParams(params)
			if err != nil {
				return err
			}
			if err := client.Provision(commandContext(cmd), args[0], args[1], extra); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted: %s -> %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "extra action parameter as key=value (repeatable)")
	return cmd
}

func newNodesHistoryCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <node>",
		Short: "Show a node's transition log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			out, err := client.History(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newNodesDeleteCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node>",
		Short: "Purge a node record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			if err := client.DeleteNode(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", args[0])
			return nil
		},
	}
}

func newConductorsCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conductors",
		Short: "Conductor fleet operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newConductorsListCommand(apiBase))
	return cmd
}

func newConductorsListCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conductors and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			out, err := client.Conductors(commandContext(cmd))
			if err != nil {
				return err
			}

			conductors, _ := out["conductors"].([]any)
			if len(conductors) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conductors")
				return nil
			}
			for _, raw := range conductors {
				c, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				status := "dead"
				if alive, _ := c["alive"].(bool); alive {
					status = "alive"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					stringField(c, "id"),
					status,
					driverList(c["drivers"]),
					stringField(c, "heartbeat_at"))
			}
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return "-"
}

func driverList(v any) string {
	raw, ok := v.([]any)
	if !ok || len(raw) == 0 {
		return "-"
	}
	names := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
