package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentrelay/agentrelay/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the durable message queue",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dead-lettered messages",
	RunE:  runQueueLs,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <external-id>",
	Short: "Return a dead-lettered message to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print aggregated queue counts",
	RunE:  runQueueStatus,
}

func init() {
	queueCmd.AddCommand(queueLsCmd, queueRetryCmd, queueStatusCmd)
}

func openQueue() (*queue.Store, error) {
	return queue.New(viper.GetString("db"))
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	store, err := openQueue()
	if err != nil {
		return fmt.Errorf("agentrelayd: open queue: %w", err)
	}
	defer store.Close()

	dead, err := store.DeadMessages()
	if err != nil {
		return fmt.Errorf("agentrelayd: list dead messages: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dead)
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	store, err := openQueue()
	if err != nil {
		return fmt.Errorf("agentrelayd: open queue: %w", err)
	}
	defer store.Close()

	if err := store.RetryDeadMessage(args[0]); err != nil {
		return fmt.Errorf("agentrelayd: retry %s: %w", args[0], err)
	}
	fmt.Printf("retried %s\n", args[0])
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	store, err := openQueue()
	if err != nil {
		return fmt.Errorf("agentrelayd: open queue: %w", err)
	}
	defer store.Close()

	status, err := store.QueueStatus()
	if err != nil {
		return fmt.Errorf("agentrelayd: queue status: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
