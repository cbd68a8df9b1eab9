package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/njt/go365cal/internal/output"
	"github.com/njt/go365cal/internal/plugin"
	"github.com/njt/go365cal/libgo365"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage go365cal configuration settings`,
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set configuration values",
	Long:  `Set configuration values like the application ID and scopes in the config file.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}

		flags := []struct {
			flag string
			key  string
		}{
			{"app-id", libgo365.KeyAppID},
			{"scopes", libgo365.KeyScopes},
			{"tenant-id", libgo365.KeyTenantID},
			{"auth-backend", libgo365.KeyAuthBackend},
			{"graph-base-url", libgo365.KeyGraphBaseURL},
		}

		settings := make(map[string]string)
		for _, f := range flags {
			if cmd.Flags().Changed(f.flag) {
				v, _ := cmd.Flags().GetString(f.flag)
				settings[f.key] = v
			}
		}
		if cmd.Flags().Changed("open-browser") {
			v, _ := cmd.Flags().GetBool("open-browser")
			settings[libgo365.KeyOpenBrowser] = strconv.FormatBool(v)
		}
		if len(settings) == 0 {
			return fmt.Errorf("nothing to set, see 'go365cal config set --help'")
		}

		if err := libgo365.SaveSettings(path, settings); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration after environment variables and the config file are applied.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := configSource()
		if err != nil {
			return err
		}
		cfg, err := libgo365.Load(cmd.Context(), src)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.WriteJSON(os.Stdout, map[string]any{
				libgo365.KeyAppID:        cfg.ApplicationID,
				libgo365.KeyScopes:       cfg.Scopes,
				libgo365.KeyTenantID:     cfg.Tenant,
				libgo365.KeyAuthBackend:  cfg.Backend,
				libgo365.KeyOpenBrowser:  cfg.OpenBrowser,
				libgo365.KeyGraphBaseURL: cfg.GraphBaseURL,
			})
		}

		fmt.Printf("Application ID: %s\n", cfg.ApplicationID)
		fmt.Printf("Scopes: %s\n", strings.Join(cfg.Scopes, " "))
		fmt.Printf("Tenant: %s\n", cfg.Tenant)
		fmt.Printf("Auth backend: %s\n", cfg.Backend)
		fmt.Printf("Open browser: %t\n", cfg.OpenBrowser)
		fmt.Printf("Graph base URL: %s\n", cfg.GraphBaseURL)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List available plugins",
	Long:  `List all go365cal-* executables in PATH. Run one with 'go365cal <name>'.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plugins := plugin.NewRunner().List()
		if len(plugins) == 0 {
			fmt.Println("No plugins found in PATH")
			return nil
		}

		fmt.Println("Available plugins:")
		for _, p := range plugins {
			fmt.Printf("  %s\n", p)
		}
		return nil
	},
}

func init() {
	configSetCmd.Flags().String("app-id", "", "application (client) ID")
	configSetCmd.Flags().String("scopes", "", "space or semicolon separated scopes")
	configSetCmd.Flags().String("tenant-id", "", "Azure AD tenant ID or 'common'")
	configSetCmd.Flags().String("auth-backend", "", "device code implementation: native or msal")
	configSetCmd.Flags().String("graph-base-url", "", "Microsoft Graph root URL")
	configSetCmd.Flags().Bool("open-browser", false, "open the verification page automatically")

	configShowCmd.Flags().Bool("json", false, "output as JSON")

	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
