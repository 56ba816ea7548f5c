package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bluedollar/backend/internal/logger"
)

var Version = "dev"

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:     "bdctl",
		Short:   "bdctl - operator tooling for the Blue Dollar backend",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			viper.SetConfigFile(envFile)
			viper.AutomaticEnv()
			if err := viper.ReadInConfig(); err != nil {
				logger.Debugf("[CONFIG] %v", err)
			}
			logger.SetLevel(viper.GetString("LOG_LEVEL"))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Env file with STELLAR_* and KEYCLOAK_* settings")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(fundCmd())
	rootCmd.AddCommand(trustlineCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
