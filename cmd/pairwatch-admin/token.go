// ABOUTME: Token minting for the admin CLI
// ABOUTME: Signs API tokens with the server's JWT secret and can save them locally

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/pairwatch/internal/auth"
	"github.com/2389/pairwatch/internal/config"
)

func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	var (
		claims       auth.Claims
		ttl          time.Duration
		serverConfig string
		save         bool
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if claims.UserID == "" {
				return errors.New("--user is required")
			}
			if claims.TenantID == "" {
				return errors.New("--tenant is required")
			}
			switch claims.Role {
			case auth.RoleMember, auth.RoleAdmin, auth.RoleOperator:
			default:
				return fmt.Errorf("unknown role %q (use member, admin or operator)", claims.Role)
			}

			secret, err := jwtSecret(v, serverConfig)
			if err != nil {
				return err
			}
			token, err := auth.NewJWTVerifier([]byte(secret)).Generate(claims, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}

			out := cmd.OutOrStdout()
			if !save {
				fmt.Fprintln(out, token)
				return nil
			}
			path, err := saveToken(token)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(out, "✓ Token for %s saved to %s (expires %s)\n",
				claims.UserID, path, time.Now().Add(ttl).Format("Jan 02 15:04"))
			return nil
		},
	}
	mint.Flags().StringVar(&claims.UserID, "user", "", "user id (sub claim)")
	mint.Flags().StringVar(&claims.TenantID, "tenant", "", "tenant id")
	mint.Flags().StringVar(&claims.Role, "role", auth.RoleMember, "member, admin or operator")
	mint.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	mint.Flags().StringVar(&serverConfig, "server-config", "", "read jwt_secret from this server config file")
	mint.Flags().BoolVar(&save, "save", false, "write the token to ~/.config/pairwatch/token instead of printing it")

	cmd.AddCommand(mint)
	return cmd
}

// jwtSecret prefers an explicit server config, then the jwt_secret setting
// (PAIRWATCH_JWT_SECRET or the settings file).
func jwtSecret(v *viper.Viper, serverConfig string) (string, error) {
	if serverConfig != "" {
		cfg, err := config.Load(serverConfig)
		if err != nil {
			return "", fmt.Errorf("loading server config: %w", err)
		}
		return cfg.Auth.JWTSecret, nil
	}
	if secret := v.GetString("jwt_secret"); secret != "" {
		return secret, nil
	}
	return "", errors.New("no signing secret: pass --server-config or set PAIRWATCH_JWT_SECRET")
}

func saveToken(token string) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing token: %w", err)
	}
	return path, nil
}
