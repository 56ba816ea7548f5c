package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/services"
)

func tokenCmd() *cobra.Command {
	var username, password string
	var raw bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a Keycloak access token with the password grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("BDCTL_PASSWORD")
			}
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password (or BDCTL_PASSWORD) are required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			tok, err := services.NewTokenClient(config.LoadKeycloakConfig(), nil, nil).Password(ctx, username, password)
			if err != nil {
				return err
			}

			if raw {
				fmt.Println(tok.AccessToken)
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tok)
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Keycloak username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Keycloak password")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print only the access token")
	return cmd
}
