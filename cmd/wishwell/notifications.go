package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	wishwell "github.com/wishwell/wishwell-go"
)

var notificationsLimit int

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsListCmd.Flags().IntVar(&notificationsLimit, "limit", 20, "maximum entries to fetch")
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Browse and manage the notification feed",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Notifications.List(ctx, &wishwell.PaginationOptions{Limit: notificationsLimit})
		if err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("list failed: %v", result.Error)
		}

		var items []wishwell.Notification
		if err := result.Decode(&items); err != nil {
			return fmt.Errorf("failed to decode notifications: %w", err)
		}

		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range items {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s %-10s %-36s %s — %s\n", marker, n.Kind, n.ID, n.Title, n.Message)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark one notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Notifications.MarkRead(ctx, args[0])
		if err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("mark read failed: %v", result.Error)
		}
		fmt.Println("Marked read.")
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Notifications.MarkAllRead(ctx)
		if err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("mark all read failed: %v", result.Error)
		}
		fmt.Println("All notifications marked read.")
		return nil
	},
}
