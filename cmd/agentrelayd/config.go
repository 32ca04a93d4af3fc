package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentrelay/agentrelay/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the agents/teams configuration document",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configured document and report what it resolves to",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	cfg, err := config.New(path)
	if err != nil {
		return fmt.Errorf("agentrelayd: load %s: %w", path, err)
	}
	defer cfg.Close()

	snap := cfg.Snapshot()
	fmt.Printf("config: %s\n", path)
	fmt.Printf("  workspace: %s\n", snap.Workspace)
	fmt.Printf("  agents (%d):\n", len(snap.Agents))
	for id, a := range snap.Agents {
		fmt.Printf("    - %s (%s/%s)\n", id, a.Provider, a.Model)
	}
	fmt.Printf("  teams (%d):\n", len(snap.Teams))
	for id, t := range snap.Teams {
		pipeline := "none"
		if t.Pipeline != nil {
			pipeline = fmt.Sprintf("sequence=%v strict=%t maxLoops=%d", t.Pipeline.Sequence, t.Pipeline.Strict, t.Pipeline.MaxLoops)
		}
		fmt.Printf("    - %s leader=%s members=%v pipeline=%s\n", id, t.Leader, t.Members, pipeline)
	}
	if len(snap.Agents) == 0 {
		return fmt.Errorf("agentrelayd: no agents resolved from %s: %w", path, config.ErrEmptyDocument)
	}
	return nil
}
