package cli

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup wizard",
	Long:  "Walk through gateway port, bind mode, and authentication, then write the config file.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("🦀 clawgate setup")

	fmt.Println()
	fmt.Println(banner)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	// Port.
	portStr := strconv.Itoa(cfg.Gateway.Port)
	err = huh.NewInput().
		Title("Gateway port").
		Description("WebSocket clients and nodes connect here.").
		Value(&portStr).
		Validate(func(s string) error {
			p, err := strconv.Atoi(s)
			if err != nil || p < 1 || p > 65535 {
				return fmt.Errorf("enter a port between 1 and 65535")
			}
			return nil
		}).
		Run()
	if err != nil {
		return err
	}
	cfg.Gateway.Port, _ = strconv.Atoi(portStr)

	// Bind mode.
	err = huh.NewSelect[string]().
		Title("Bind address").
		Options(
			huh.NewOption("Loopback only (127.0.0.1)", "loopback"),
			huh.NewOption("All interfaces (0.0.0.0)", "all"),
		).
		Value(&cfg.Gateway.Bind).
		Run()
	if err != nil {
		return err
	}

	// Auth mode.
	err = huh.NewSelect[string]().
		Title("Authentication").
		Options(
			huh.NewOption("Token (recommended)", "token"),
			huh.NewOption("Password", "password"),
			huh.NewOption("None (loopback only!)", "none"),
		).
		Value(&cfg.Gateway.Auth.Mode).
		Run()
	if err != nil {
		return err
	}

	switch cfg.Gateway.Auth.Mode {
	case "token":
		generate := cfg.Gateway.Auth.Token == ""
		if !generate {
			err = huh.NewConfirm().
				Title("Generate a new gateway token?").
				Description("The existing token stops working.").
				Value(&generate).
				Run()
			if err != nil {
				return err
			}
		}
		if generate {
			token, err := mintGatewayToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			cfg.Gateway.Auth.Token = token
		}
	case "password":
		err = huh.NewInput().
			Title("Gateway password").
			EchoMode(huh.EchoModePassword).
			Value(&cfg.Gateway.Auth.Password).
			Validate(func(s string) error {
				if len(s) < 8 {
					return fmt.Errorf("use at least 8 characters")
				}
				return nil
			}).
			Run()
		if err != nil {
			return err
		}
	}

	// Tailscale fallback.
	err = huh.NewConfirm().
		Title("Allow Tailscale peers without a credential?").
		Description("Connections arriving over your tailnet skip the token check.").
		Value(&cfg.Gateway.Auth.AllowTailscale).
		Run()
	if err != nil {
		return err
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Config written to %s\n", config.ConfigPath())
	if cfg.Gateway.Auth.Mode == "token" {
		fmt.Printf("\nGateway token (clients need this to connect):\n\n  %s\n",
			styleToken.Render(cfg.Gateway.Auth.Token))
	}
	fmt.Printf("\nStart the gateway with: clawgate gateway\n")
	return nil
}

func mintGatewayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cg_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
