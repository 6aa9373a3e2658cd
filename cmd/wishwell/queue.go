package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	wishwell "github.com/wishwell/wishwell-go"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline action queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending offline actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		defer store.Close()

		queue := wishwell.NewActionQueue(store)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		actions := queue.PeekAll(ctx)
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		fmt.Printf("%d pending action(s):\n", len(actions))
		for i, a := range actions {
			fmt.Printf("%2d. %-24s %s  enqueued %s  attempts=%d\n",
				i+1, a.Kind, a.ID, a.EnqueuedAt.Format(time.RFC3339), a.Attempts)
		}
		return nil
	},
}
