package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dbvideostriketeam/wubloader/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing wubloader configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default
values. Redirect the output to a file to create a configuration
template:

  wubloader config dump > wubloader.yaml

Configuration can be set via:
  - Config file (wubloader.yaml in ., /etc/wubloader or $HOME/.wubloader)
  - Environment variables (WUBLOADER_SERVER_PORT, WUBLOADER_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the WUBLOADER_ prefix and underscores for
nesting. Example: server.port -> WUBLOADER_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling defaults: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
