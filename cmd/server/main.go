// Package main is the entry point for the mediation server
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "mediation",
	Short: "Mobile ad mediation server",
	Long: `Runs real-time second-price auctions across configured demand adapters,
guarded by per-adapter circuit breakers and retried through a waterfall.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config: %s\n", configSource())
		fmt.Fprintf(out, "port: %s\n", cfg.Server.Port)
		fmt.Fprintf(out, "adapters: %d\n", len(cfg.Adapters))
		for _, a := range cfg.Adapters {
			fmt.Fprintf(out, "  - %s enabled=%v priority=%d timeout=%v\n", a.ID, a.Enabled, a.Priority, a.EffectiveTimeout())
		}
		fmt.Fprintf(out, "waterfall: enabled=%v max_attempts=%d smart=%v\n",
			cfg.Waterfall.Enabled, cfg.Waterfall.MaxAttempts, cfg.Waterfall.Smart)
		fmt.Fprintf(out, "redis: %v\n", cfg.Redis.URL != "")
		return nil
	},
}

// v holds the process configuration; tests build their own instances
var v = viper.New()

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./mediation.yaml)")
	rootCmd.PersistentFlags().String("port", "", "server port (overrides server.port)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))

	rootCmd.AddCommand(checkConfigCmd)
}

func initConfig() {
	config.SetDefaults(v)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mediation")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mediation")
	}

	// Missing config file is fine; defaults and env still apply
	_ = v.ReadInConfig()
}

func configSource() string {
	if f := v.ConfigFileUsed(); f != "" {
		return f
	}
	return "defaults and environment"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
