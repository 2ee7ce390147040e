package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/driftchat/rtm"
	"github.com/spf13/cobra"
)

var (
	sendThread  string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "Reply in the thread rooted at this ts")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Give up waiting for delivery after this long")
}

var sendCmd = &cobra.Command{
	Use:   "send <chat> <text>",
	Short: "Send a message and wait until it is delivered or fails",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, text := args[0], args[1]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		outcome, unwatch := watchDelivery(s.client.Store(), chatID)
		defer unwatch()

		runErr := make(chan error, 1)
		runCtx, stopRun := context.WithCancel(ctx)
		defer stopRun()
		go func() { runErr <- s.client.Run(runCtx) }()

		if _, err := s.client.Submit(ctx, rtm.SendMessage{ChatID: chatID, Text: text, ThreadTS: sendThread}); err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}

		var result error
		select {
		case m := <-outcome:
			if m.DeliveryState == rtm.DeliveryFailed {
				result = fmt.Errorf("message %s failed to send; retry with the same text later", m.ID)
				break
			}
			fmt.Printf("Message sent to %s\n", chatID)
			fmt.Printf("  Message ID: %s\n", m.ID)
		case err := <-runErr:
			if err == nil {
				err = errors.New("session ended")
			}
			return fmt.Errorf("connection failed: %w", err)
		case <-ctx.Done():
			result = fmt.Errorf("gave up waiting for delivery: %w", ctx.Err())
		}

		stopRun()
		<-runErr
		return result
	},
}

// watchDelivery reports the first local message of chatID that leaves the
// pending state. The optimistic copy is stored inside Submit, before anything
// is written to the wire, so its client_msg_id is known before any ack.
func watchDelivery(store *rtm.Store, chatID string) (<-chan rtm.Message, func()) {
	outcome := make(chan rtm.Message, 1)
	var (
		mu          sync.Mutex
		clientMsgID string
	)
	sub := store.Subscribe(rtm.ChatKey(chatID), func(ch rtm.Change) {
		m := ch.Message
		if m == nil || m.ClientMsgID == "" {
			return
		}
		mu.Lock()
		if clientMsgID == "" && rtm.IsTemporaryID(m.ID) && m.DeliveryState == rtm.DeliveryPending {
			clientMsgID = m.ClientMsgID
		}
		ours := m.ClientMsgID == clientMsgID
		mu.Unlock()
		if !ours || m.DeliveryState == rtm.DeliveryPending {
			return
		}
		select {
		case outcome <- *m:
		default:
		}
	})
	return outcome, sub.Close
}
