package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/driftchat/rtm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenChats []string
	listenJSON  bool
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringSliceVar(&listenChats, "chat", nil, "Follow only these chats (default: every chat seen)")
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print one JSON object per line")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream connection state and chat updates until interrupted",
	Long:  "Connect to the RTM stream and print connection state transitions and store changes.\nThe store is checkpointed to the snapshot database on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		p := &printer{json: listenJSON, enc: json.NewEncoder(os.Stdout)}
		f := newFollower(s.client.Store(), p)
		defer f.close()

		s.client.OnStateChange(func(from, to rtm.State) {
			p.state(from, to)
		})
		s.client.OnCommandFailed(func(cf *rtm.CommandFailure) {
			s.log.Warn("command failed",
				zap.String("correlation_id", cf.CorrelationID),
				zap.String("message", cf.MessageID),
				zap.Error(cf.Err))
		})

		if len(listenChats) > 0 {
			for _, id := range listenChats {
				f.follow(id)
			}
		} else {
			f.followKnown()
			go func() {
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						f.followKnown()
					}
				}
			}()
		}

		err = s.client.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// follower keeps one store subscription per followed chat.
type follower struct {
	store *rtm.Store
	p     *printer

	mu   sync.Mutex
	subs map[string]*rtm.Subscription
}

func newFollower(store *rtm.Store, p *printer) *follower {
	return &follower{store: store, p: p, subs: make(map[string]*rtm.Subscription)}
}

func (f *follower) follow(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[chatID]; ok {
		return
	}
	f.subs[chatID] = f.store.Subscribe(rtm.ChatKey(chatID), f.p.change)
}

func (f *follower) followKnown() {
	for _, c := range f.store.Chats() {
		f.follow(c.ID)
	}
}

func (f *follower) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		sub.Close()
		delete(f.subs, id)
	}
}

// printer writes events as text or JSON lines.
type printer struct {
	json bool

	mu  sync.Mutex
	enc *json.Encoder
}

type printedEvent struct {
	Event   string       `json:"event"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Op      string       `json:"op,omitempty"`
	Chat    *rtm.Chat    `json:"chat,omitempty"`
	Message *rtm.Message `json:"message,omitempty"`
	User    *rtm.User    `json:"user,omitempty"`
	Replace string       `json:"replaces,omitempty"`
}

func (p *printer) emit(ev printedEvent, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = p.enc.Encode(ev)
		return
	}
	fmt.Println(text)
}

func (p *printer) state(from, to rtm.State) {
	p.emit(printedEvent{Event: "state", From: string(from), To: string(to)},
		fmt.Sprintf("-- %s -> %s", from, to))
}

func (p *printer) change(ch rtm.Change) {
	ev := printedEvent{Event: "change", Op: string(ch.Op), Chat: ch.Chat, Message: ch.Message, User: ch.User, Replace: ch.PreviousID}
	switch {
	case ch.Message != nil:
		m := ch.Message
		p.emit(ev, fmt.Sprintf("[%s] %s %s: %s (%s)", m.ChatID, m.SentAt.Format(time.Kitchen), valueOrDefault(m.Author, "?"), m.Text, m.DeliveryState))
	case ch.Chat != nil:
		c := ch.Chat
		line := fmt.Sprintf("[%s] unread=%d dm=%d", c.ID, c.UnreadCount, c.DMCount)
		if c.NeedsResync {
			line += " (stale)"
		}
		p.emit(ev, line)
	case ch.User != nil:
		p.emit(ev, fmt.Sprintf("user %s %s", ch.User.ID, ch.User.Presence))
	default:
		p.emit(ev, fmt.Sprintf("%s %s %s", ch.Op, ch.Key.Kind, ch.Key.ID))
	}
}
