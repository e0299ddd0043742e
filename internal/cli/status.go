package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  "Query the running gateway for health, connected clients, and bridged nodes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("⚠️  Config: %v\n", err)
			cfg = config.Default()
		} else {
			fmt.Printf("✅ Config loaded from: %s\n", config.ConfigPath())
		}

		c, err := dialGateway(ctx)
		if err != nil {
			fmt.Printf("\n📊 Gateway: not running\n")
			fmt.Printf("   Port: %d\n", cfg.Gateway.Port)
			fmt.Printf("   Bind: %s\n", cfg.Gateway.Bind)
			fmt.Printf("\n💡 Tip: Run 'clawgate gateway' to start the server\n")
			return nil
		}
		defer c.Close()

		var health protocol.HealthSnapshot
		if err := c.CallInto(ctx, "health", nil, &health); err != nil {
			return err
		}

		hello := c.Hello()
		fmt.Printf("\n📊 Gateway: %s\n", health.Status)
		fmt.Printf("   Version:  %s\n", hello.Server.Version)
		fmt.Printf("   Uptime:   %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
		fmt.Printf("   Clients:  %d\n", health.Connections)
		fmt.Printf("   Nodes:    %d connected, %d paired\n", health.NodesConnected, health.NodesPaired)
		fmt.Printf("   Methods:  %d\n", len(hello.Methods))
		return nil
	},
}
