package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	wishwell "github.com/wishwell/wishwell-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchTopics, "topic", nil, "entity topics to join (repeatable)")
}

var watchTopics []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events to the terminal",
	Long:  "Connect the realtime channel and print pushed events until interrupted.\nQueued offline actions are drained automatically once the stream is up.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		store := getStore()
		defer store.Close()

		coord := wishwell.NewSyncCoordinator(client, store, &wishwell.SyncCoordinatorOptions{
			Logf: func(format string, args ...any) {
				fmt.Fprintf(os.Stderr, "# "+format+"\n", args...)
			},
		})

		coord.On(wishwell.EventNotificationNew, func(event string, payload any) {
			n := payload.(wishwell.Notification)
			fmt.Printf("[%s] %s: %s\n", n.Kind, n.Title, n.Message)
		})
		coord.On(wishwell.EventPledgeDelta, func(event string, payload any) {
			p := payload.(wishwell.PledgeUpdatePayload)
			fmt.Printf("[pledge-update] wish %s now at %.2f (%d pledgers)\n", p.WishID, p.PledgedAmount, p.PledgerCount)
		})
		coord.On(wishwell.EventVoteDelta, func(event string, payload any) {
			p := payload.(wishwell.VoteUpdatePayload)
			fmt.Printf("[vote-update] proof %s: %d for / %d against\n", p.ProofID, p.VotesFor, p.VotesAgainst)
		})
		coord.On(wishwell.EventQueueDrained, func(event string, payload any) {
			r := payload.(*wishwell.DrainReport)
			fmt.Printf("# drained %d queued action(s), %d dropped\n", r.Completed, len(r.Dropped))
		})
		coord.On(wishwell.EventSessionAuthError, func(event string, payload any) {
			fmt.Fprintf(os.Stderr, "Session rejected: %v\n", payload)
		})

		ctx := context.Background()
		if err := coord.Start(ctx); err != nil {
			return err
		}
		defer coord.Stop()

		for _, t := range watchTopics {
			if err := coord.Channel().Subscribe(ctx, t); err != nil {
				fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", t, err)
			}
		}

		fmt.Println("Watching... (Ctrl-C to stop)")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nStopping.")
		return nil
	},
}
