package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/client"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/bridge"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/trust"
	"github.com/clawgate/clawgate/internal/tui"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage paired device nodes",
}

var (
	styleConnected = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleOffline   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	stylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleHeader    = lipgloss.NewStyle().Bold(true)
	styleToken     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
)

// dialGateway connects a short-lived CLI session using the local config.
func dialGateway(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	c, err := client.Dial(ctx, client.Options{
		URL:      fmt.Sprintf("ws://127.0.0.1:%d", cfg.Gateway.Port),
		Token:    cfg.Gateway.Auth.Token,
		Password: cfg.Gateway.Auth.Password,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("%w\n💡 Tip: is the gateway running? Try 'clawgate gateway'", err)
	}
	return c, nil
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired and connected nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var out struct {
			Nodes []bridge.MergedNode `json:"nodes"`
		}
		if err := c.CallInto(ctx, "node.list", nil, &out); err != nil {
			return err
		}
		if len(out.Nodes) == 0 {
			fmt.Println("No nodes yet. Pair one with 'clawgate nodes approve' once it requests pairing.")
			return nil
		}

		fmt.Println(styleHeader.Render(fmt.Sprintf("  %-24s %-20s %-10s %-12s %s",
			"NODE", "NAME", "STATE", "PLATFORM", "COMMANDS")))
		for _, n := range out.Nodes {
			state := styleOffline.Render("offline")
			if n.Connected {
				state = styleConnected.Render("online")
			}
			if !n.Paired {
				state = stylePending.Render("unpaired")
			}
			fmt.Printf("  %-24s %-20s %-10s %-12s %s\n",
				n.NodeID, n.DisplayName, state, n.Platform, strings.Join(n.Commands, ","))
		}
		return nil
	},
}

var nodesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending pairing requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var out struct {
			Pending []trust.PairingRequest `json:"pending"`
		}
		if err := c.CallInto(ctx, "node.pair.list", nil, &out); err != nil {
			return err
		}
		if len(out.Pending) == 0 {
			fmt.Println("No pending pairing requests.")
			return nil
		}
		for _, req := range out.Pending {
			age := time.Since(time.UnixMilli(req.CreatedAt)).Round(time.Second)
			fmt.Printf("  %s %s\n", stylePending.Render("●"), styleHeader.Render(req.NodeID))
			fmt.Printf("    request:  %s\n", req.RequestID)
			if req.DisplayName != "" {
				fmt.Printf("    name:     %s\n", req.DisplayName)
			}
			if req.Platform != "" {
				fmt.Printf("    platform: %s\n", req.Platform)
			}
			if req.RemoteIP != "" {
				fmt.Printf("    from:     %s\n", req.RemoteIP)
			}
			fmt.Printf("    age:      %s\n", age)
		}
		fmt.Printf("\nApprove with: clawgate nodes approve <request>\n")
		return nil
	},
}

var nodesApproveCmd = &cobra.Command{
	Use:   "approve [requestId]",
	Short: "Approve a pairing request and mint its credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var out struct {
			Node  trust.PairedNode `json:"node"`
			Token string           `json:"token"`
		}
		err = c.CallInto(ctx, "node.pair.approve",
			protocol.PairResolveParams{RequestID: args[0]}, &out)
		if err != nil {
			return err
		}

		fmt.Printf("✅ Paired %s (%s)\n\n", out.Node.DisplayName, out.Node.NodeID)
		fmt.Printf("Node credential (shown once, store it on the device):\n\n")
		fmt.Printf("  %s\n", styleToken.Render(out.Token))
		return nil
	},
}

var nodesRejectCmd = &cobra.Command{
	Use:   "reject [requestId]",
	Short: "Reject a pairing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.Call(ctx, "node.pair.reject",
			protocol.PairResolveParams{RequestID: args[0]}); err != nil {
			return err
		}
		fmt.Printf("Rejected pairing request %s\n", args[0])
		return nil
	},
}

var nodesRenameCmd = &cobra.Command{
	Use:   "rename [nodeId] [displayName]",
	Short: "Rename a paired node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.Call(ctx, "node.rename",
			protocol.RenameParams{NodeID: args[0], DisplayName: args[1]}); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

var nodesDescribeCmd = &cobra.Command{
	Use:   "describe [nodeId]",
	Short: "Show one node in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var out struct {
			Node bridge.MergedNode `json:"node"`
		}
		if err := c.CallInto(ctx, "node.describe",
			protocol.DescribeParams{NodeID: args[0]}, &out); err != nil {
			return err
		}
		n := out.Node

		state := styleOffline.Render("offline")
		if n.Connected {
			state = styleConnected.Render("online")
		}
		fmt.Printf("%s  %s\n", styleHeader.Render(n.NodeID), state)
		if n.DisplayName != "" {
			fmt.Printf("  name:      %s\n", n.DisplayName)
		}
		if n.Platform != "" {
			fmt.Printf("  platform:  %s %s\n", n.Platform, n.Version)
		}
		if n.DeviceFamily != "" {
			fmt.Printf("  device:    %s (%s)\n", n.DeviceFamily, n.ModelIdentifier)
		}
		fmt.Printf("  paired:    %v\n", n.Paired)
		if n.ApprovedAt > 0 {
			fmt.Printf("  approved:  %s\n", time.UnixMilli(n.ApprovedAt).Local().Format(time.RFC3339))
		}
		if len(n.Caps) > 0 {
			fmt.Printf("  caps:      %s\n", strings.Join(n.Caps, ", "))
		}
		if len(n.Commands) > 0 {
			fmt.Printf("  commands:  %s\n", strings.Join(n.Commands, ", "))
		}
		return nil
	},
}

var (
	invokeParamsJSON string
	invokeTimeoutMs  int
)

var nodesInvokeCmd = &cobra.Command{
	Use:   "invoke [nodeId] [command]",
	Short: "Invoke a command on a connected node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if invokeParamsJSON != "" && !json.Valid([]byte(invokeParamsJSON)) {
			return fmt.Errorf("--params is not valid JSON")
		}

		c, err := dialGateway(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		params := protocol.InvokeParams{
			NodeID:         args[0],
			Command:        args[1],
			TimeoutMs:      invokeTimeoutMs,
			IdempotencyKey: fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		}
		if invokeParamsJSON != "" {
			params.Params = json.RawMessage(invokeParamsJSON)
		}

		var out struct {
			PayloadJSON string `json:"payloadJSON"`
		}
		if err := c.CallInto(ctx, "node.invoke", params, &out); err != nil {
			return err
		}
		if out.PayloadJSON == "" {
			fmt.Println("ok (no payload)")
			return nil
		}

		var pretty any
		if json.Unmarshal([]byte(out.PayloadJSON), &pretty) == nil {
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(out.PayloadJSON)
		return nil
	},
}

var nodesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch nodes and presence live",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialGateway(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		return tui.RunNodesWatch(c)
	},
}

func init() {
	nodesInvokeCmd.Flags().StringVar(&invokeParamsJSON, "params", "", "Command params as JSON")
	nodesInvokeCmd.Flags().IntVar(&invokeTimeoutMs, "timeout", 0, "Invoke timeout in milliseconds")

	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesPendingCmd)
	nodesCmd.AddCommand(nodesApproveCmd)
	nodesCmd.AddCommand(nodesRejectCmd)
	nodesCmd.AddCommand(nodesRenameCmd)
	nodesCmd.AddCommand(nodesDescribeCmd)
	nodesCmd.AddCommand(nodesInvokeCmd)
	nodesCmd.AddCommand(nodesWatchCmd)
}
