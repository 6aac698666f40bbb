package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/roomchat/internal/client"
	"github.com/zhouzirui/roomchat/internal/model/chat"
	"github.com/zhouzirui/roomchat/internal/service/msgsync"
)

const chatHelp = `Type a message and press enter to send it.
  /more         load older messages
  /retry <n>    resend failed message n
  /quit         leave the chat`

func buildChatCmd() *cobra.Command {
	var noJoin bool
	cmd := &cobra.Command{
		Use:   "chat <room>",
		Short: "Open a room interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args[0], !noJoin)
		},
	}
	cmd.Flags().BoolVar(&noJoin, "no-join", false, "Do not join the room before opening it")
	return cmd
}

func runChat(cmd *cobra.Command, slug string, join bool) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if join {
		if err := c.Rooms.Join(ctx, slug); err != nil {
			return fmt.Errorf("join %s: %w", slug, err)
		}
	}

	out := cmd.OutOrStdout()
	t := newTranscript(out)
	updates, unsubscribe := c.Sync.Subscribe()
	defer unsubscribe()

	if err := c.Sync.ActivateRoom(ctx, slug); err != nil {
		if errors.Is(err, msgsync.ErrRoomNotActive) {
			return err
		}
		fmt.Fprintf(out, "! history unavailable: %v\n", err)
	}
	fmt.Fprintf(out, "-- %s --\n%s\n", slug, chatHelp)
	if msgs, ok := c.Sync.Snapshot(slug); ok {
		t.render(msgs)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		watchRoom(ctx, c, slug, updates, t)
	}()

	err = readInput(ctx, c, slug, cmd.InOrStdin(), t)
	cancel()
	c.Sync.DeactivateRoom(slug)
	<-done
	return err
}

// watchRoom renders updates for slug until ctx ends or the room is removed.
func watchRoom(ctx context.Context, c *client.Client, slug string, updates <-chan msgsync.Update, t *transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Room != slug {
				continue
			}
			switch u.Kind {
			case msgsync.UpdateMessages:
				if msgs, ok := c.Sync.Snapshot(slug); ok {
					t.render(msgs)
				}
			case msgsync.UpdateChannel:
				if state, ok := c.Sync.ChannelState(slug); ok {
					t.status(fmt.Sprintf("connection %s", state))
				}
			case msgsync.UpdateRemoved:
				t.status("room closed")
				return
			}
		}
	}
}

func readInput(ctx context.Context, c *client.Client, slug string, in io.Reader, t *transcript) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/more":
			if !c.Sync.HasMore(slug) {
				t.status("no older messages")
				continue
			}
			added, err := c.Sync.LoadMore(ctx, slug)
			if err != nil {
				t.status(fmt.Sprintf("load failed: %v", err))
				continue
			}
			t.status(fmt.Sprintf("loaded %d older messages", len(added)))
		case strings.HasPrefix(line, "/retry"):
			corr, ok := t.failed(strings.TrimSpace(strings.TrimPrefix(line, "/retry")))
			if !ok {
				t.status("no such failed message")
				continue
			}
			if _, err := c.Sync.Retry(ctx, slug, corr); err != nil {
				t.status(fmt.Sprintf("retry failed: %v", err))
			}
		case strings.HasPrefix(line, "/"):
			t.status("unknown command\n" + chatHelp)
		default:
			if _, err := c.Sync.SendMessage(ctx, slug, line); err != nil {
				var failure *msgsync.SendFailure
				if !errors.As(err, &failure) {
					t.status(fmt.Sprintf("send failed: %v", err))
				}
			}
		}
	}
	return scanner.Err()
}

// transcript prints each entry once, and again if it fails. Failed local
// entries are numbered so they can be retried.
type transcript struct {
	mu       sync.Mutex
	out      io.Writer
	seen     map[string]chat.DeliveryState
	failures []string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, seen: make(map[string]chat.DeliveryState)}
}

func entryKey(m chat.Message) string {
	if m.Ref.CorrelationID != "" {
		return "c:" + m.Ref.CorrelationID
	}
	return "s:" + strconv.FormatInt(m.Ref.ServerID, 10)
}

func (t *transcript) render(msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		key := entryKey(m)
		prev, seen := t.seen[key]
		t.seen[key] = m.State
		switch {
		case !seen:
			fmt.Fprintln(t.out, formatMessage(m))
			if m.State == chat.StateFailed {
				t.noteFailureLocked(m)
			}
		case prev != chat.StateFailed && m.State == chat.StateFailed:
			t.noteFailureLocked(m)
		}
	}
}

func (t *transcript) noteFailureLocked(m chat.Message) {
	t.failures = append(t.failures, m.Ref.CorrelationID)
	fmt.Fprintf(t.out, "! not delivered [%d]: %q (%s), /retry %d\n", len(t.failures), m.Content, m.FailureReason, len(t.failures))
}

// failed returns the correlation id of failure n, or of the latest failure
// when arg is empty.
func (t *transcript) failed(arg string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failures) == 0 {
		return "", false
	}
	n := len(t.failures)
	if arg != "" {
		var err error
		if n, err = strconv.Atoi(arg); err != nil || n < 1 || n > len(t.failures) {
			return "", false
		}
	}
	return t.failures[n-1], true
}

func (t *transcript) status(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "-- %s\n", msg)
}

func formatMessage(m chat.Message) string {
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.SenderDisplayName, m.Content)
	if m.State == chat.StatePending {
		line += " (sending)"
	}
	return line
}
