package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "deskgate",
	Short: "Remote-desktop gateway",
	Long: `deskgate proxies interactive desktop sessions between browser
clients and a backend proxy daemon speaking the instruction protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./deskgate.yaml)")

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("DESKGATE")
		viper.AutomaticEnv()

		if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
		} else {
			viper.SetConfigName("deskgate")
			viper.AddConfigPath(".")
		}
		// A missing config file is fine; flags and env cover everything.
		_ = viper.ReadInConfig()
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
