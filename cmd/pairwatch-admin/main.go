// ABOUTME: Admin CLI for pairwatch session, sweep and alert management
// ABOUTME: Talks to the HTTP API with a JWT and can mint tokens from the server secret

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const banner = `
             _                    _       _
 _ __   __ _(_)_ ____      ____ _| |_ ___| |__
| '_ \ / _' | | '__\ \ /\ / / _' | __/ __| '_ \
| |_) | (_| | | |   \ V  V / (_| | || (__| | | |
| .__/ \__,_|_|_|    \_/\_/ \__,_|\__\___|_| |_|
|_|                                        admin
`

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around v so tests get isolated settings.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "pairwatch-admin",
		Short:         "Manage pairwatch sessions from the command line",
		Long:          banner + "\nManage gateway sessions, sweeps and alert routing on a pairwatch server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "settings file (default: ~/.config/pairwatch/admin.yaml)")
	flags.StringP("url", "u", "", "server base URL (default: http://localhost:8080)")
	flags.StringP("token", "t", "", "JWT bearer token")
	_ = v.BindPFlag("url", flags.Lookup("url"))
	_ = v.BindPFlag("token", flags.Lookup("token"))

	v.SetDefault("url", "http://localhost:8080")
	v.SetEnvPrefix("PAIRWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newSessionsCmd(v),
		newSelectCmd(v),
		newTransitionsCmd(v),
		newWebhookEventsCmd(v),
		newSweepCmd(v),
		newRestartGatewayCmd(v),
		newAlertConfigCmd(v),
		newTokenCmd(v),
		newStatusCmd(v),
	)
	return root
}

// loadSettings reads the settings file. A missing default file is fine; a
// missing explicit one is not.
func loadSettings(v *viper.Viper, explicit string) error {
	path := explicit
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(dir, "admin.yaml")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading settings %s: %w", path, err)
	}
	return nil
}

// configDir returns $XDG_CONFIG_HOME/pairwatch or ~/.config/pairwatch.
func configDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "pairwatch"), nil
}

// resolveToken returns the configured token, falling back to the token file
// written by "token mint --save".
func resolveToken(v *viper.Viper) string {
	if token := v.GetString("token"); token != "" {
		return token
	}
	dir, err := configDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// clientFor builds an API client, failing early when no token is available.
func clientFor(v *viper.Viper) (*apiClient, error) {
	token := resolveToken(v)
	if token == "" {
		return nil, errors.New("no token: pass --token, set PAIRWATCH_TOKEN or run 'pairwatch-admin token mint --save'")
	}
	return newAPIClient(v.GetString("url"), token), nil
}
