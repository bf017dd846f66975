package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRemoveCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and flush the offline queue",
	Long:  "List requests recorded while offline, replay them, or drop individual entries.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending queued requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close()

		entries, err := client.Queue().PeekAll()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for i, e := range entries {
			fmt.Printf("%3d  %-6s %-40s attempts=%d queued=%s\n",
				i, e.Method, e.Path, e.AttemptCount, e.EnqueuedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay all queued requests now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		client := getClient(ctx)
		defer client.Close()
		client.Connectivity().Refresh()

		result, err := client.DrainQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Drained: %d succeeded, %d failed\n", result.Succeeded, result.Failed)
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <index>",
	Short: "Drop a queued request by index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parsePositiveIndex(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close()

		if err := client.Queue().Remove(idx); err != nil {
			return err
		}
		fmt.Printf("Removed entry %d\n", idx)
		return nil
	},
}

func parsePositiveIndex(v string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(v, "%d", &idx); err != nil || idx < 0 {
		return 0, fmt.Errorf("index must be a non-negative integer, got %q", v)
	}
	return idx, nil
}
