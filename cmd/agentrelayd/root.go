package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "agentrelayd",
	Short: "Multi-agent message router and orchestration daemon",
	Long: `agentrelayd routes inbound messages to configured agents and teams,
dispatches per-agent work through a durable queue, and exposes a local
Control API for enqueueing messages and observing orchestration events.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "agents.yaml", "path to the agents/teams YAML document")
	rootCmd.PersistentFlags().String("db", "agentrelay.db", "path to the durable queue SQLite file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(serveCmd, queueCmd, configCmd)
}

func initConfig() {
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 3777)
	viper.SetDefault("authOff", false)
	viper.SetDefault("logFormat", "json")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}
