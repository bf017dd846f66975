package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	growlog "github.com/growlog-io/growlog-go"
	"github.com/spf13/cobra"
)

var watchRooms []string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringArrayVarP(&watchRooms, "room", "r", nil, "room ID to subscribe to (repeatable)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live sensor readings and alerts",
	Long:  "Connect to the telemetry websocket and print readings and alerts as they arrive. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := getClient(ctx)
		defer client.Close()

		stream := client.Telemetry(&growlog.TelemetryConfig{AutoReconnect: true})

		stream.OnReading(func(r growlog.ReadingPayload) {
			fmt.Printf("%s  reading  %-12s %s = %.2f %s\n",
				time.Now().Format("15:04:05"), r.SensorID, r.Metric, r.Value, r.Unit)
		})
		stream.OnAlert(func(a growlog.AlertPayload) {
			fmt.Printf("%s  ALERT    [%s] %s: %.2f (threshold %.2f)\n",
				time.Now().Format("15:04:05"), a.Severity, a.Metric, a.Value, a.Threshold)
		})
		stream.OnDeviceStatus(func(d growlog.DeviceStatusPayload) {
			fmt.Printf("%s  device   %s is %s\n",
				time.Now().Format("15:04:05"), d.DeviceID, d.Status)
		})
		stream.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)...\n", attempt, delay)
		})
		stream.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
		})

		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer stream.Disconnect()

		for _, room := range watchRooms {
			if err := stream.SubscribeRoom(ctx, room); err != nil {
				return fmt.Errorf("subscribe %s: %w", room, err)
			}
			fmt.Printf("Subscribed to room %s\n", room)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
