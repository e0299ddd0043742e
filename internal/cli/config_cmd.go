package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/config"
)

var configCmdGroup = &cobra.Command{
	Use:   "config",
	Short: "Manage clawgate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show full configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}

		fmt.Println(string(data))
		fmt.Printf("\nConfig file: %s\n", config.ConfigPath())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.ConfigPath())
	},
}

var configExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out, err := config.ExportYAML(cfg)
		if err != nil {
			return fmt.Errorf("export config: %w", err)
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	configCmdGroup.AddCommand(configShowCmd)
	configCmdGroup.AddCommand(configPathCmd)
	configCmdGroup.AddCommand(configExportCmd)
}
