package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentworkforce/chatsync/internal/chatsync"
	"github.com/spf13/cobra"
)

func newMeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the identity behind the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			profile, err := a.apiClient().Me(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", profile.Email, profile.ID)
			return nil
		},
	}
}

func newInboxCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List peers with their unread counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withSession(cmd.Context(), func(ctx context.Context, s *chatsync.Session) error {
				view, err := s.OpenInbox(ctx)
				if err != nil {
					return err
				}
				defer view.Close()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case snap, ok := <-view.Updates():
						if !ok {
							return nil
						}
						if snap.Loading {
							continue
						}
						writeInbox(out, snap)
						if snap.Err != nil && !watch {
							return snap.Err
						}
						if !watch {
							return nil
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing as counts change")
	return cmd
}

func newActivityCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the recent activity feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withSession(cmd.Context(), func(ctx context.Context, s *chatsync.Session) error {
				view, err := s.OpenActivity(ctx)
				if err != nil {
					return err
				}
				defer view.Close()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case snap, ok := <-view.Updates():
						if !ok {
							return nil
						}
						if snap.Loading {
							continue
						}
						writeActivity(out, snap)
						if snap.Err != nil && !watch {
							return snap.Err
						}
						if !watch {
							return nil
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing as the feed changes")
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <text>...",
		Short: "Send one message and exit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			content := strings.Join(args[1:], " ")
			out := cmd.OutOrStdout()
			return a.withSession(cmd.Context(), func(ctx context.Context, s *chatsync.Session) error {
				view, err := s.OpenConversation(ctx, peer)
				if err != nil {
					return err
				}
				defer view.Close()
				outcome, err := view.Send(ctx, content)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sent to %s via %s\n", peer, outcome.Path)
				return nil
			})
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open an interactive conversation; each input line is sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			in := cmd.InOrStdin()
			out := cmd.OutOrStdout()
			return a.withSession(cmd.Context(), func(ctx context.Context, s *chatsync.Session) error {
				view, err := s.OpenConversation(ctx, peer)
				if err != nil {
					return err
				}
				defer view.Close()
				return chatLoop(ctx, view, in, out)
			})
		},
	}
}

// chatLoop prints new messages and status changes as they arrive and submits
// each input line. It returns when input ends.
func chatLoop(ctx context.Context, view *chatsync.ConversationView, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	printer := newTranscript(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-view.Updates():
			if !ok {
				return nil
			}
			printer.render(snap)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			view.SetDraft(line)
			outcome, err := view.Submit(ctx)
			switch {
			case errors.Is(err, chatsync.ErrEmptyContent):
			case err != nil:
				fmt.Fprintf(out, "! send failed: %v\n", err)
			case outcome.Path == chatsync.SendViaFallback:
				fmt.Fprintln(out, "  (sent via fallback)")
			}
		}
	}
}

// transcript remembers what has been printed so each snapshot only adds
// new lines.
type transcript struct {
	out     io.Writer
	seen    map[string]chatsync.Status
	lastErr string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, seen: map[string]chatsync.Status{}}
}

func (t *transcript) render(snap chatsync.ConversationSnapshot) {
	if snap.Err != nil && snap.Err.Error() != t.lastErr {
		t.lastErr = snap.Err.Error()
		fmt.Fprintf(t.out, "! %v\n", snap.Err)
	}
	for _, msg := range snap.Messages {
		prev, known := t.seen[msg.ID]
		switch {
		case !known:
			fmt.Fprintln(t.out, formatMessage(snap, msg))
		case msg.Status > prev && snap.IsMine(msg):
			fmt.Fprintf(t.out, "  #%s %s\n", msg.ID, msg.Status)
		}
		t.seen[msg.ID] = msg.Status
	}
}

func formatMessage(snap chatsync.ConversationSnapshot, msg chatsync.Message) string {
	who := msg.Sender
	if snap.IsMine(msg) {
		who = "me"
	}
	if msg.IsBot {
		who += " [bot]"
	}
	line := fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format(time.Kitchen), who, msg.Content)
	if snap.IsMine(msg) {
		line += " (" + msg.Status.String() + ")"
	}
	return line
}

func writeInbox(out io.Writer, snap chatsync.InboxSnapshot) {
	if snap.Err != nil {
		fmt.Fprintf(out, "! %v\n", snap.Err)
	}
	for _, p := range snap.Peers {
		marker := ""
		if p.Peer == snap.Bot {
			marker = " [bot]"
		}
		fmt.Fprintf(out, "%-32s %3d%s\n", p.Peer, p.Unread, marker)
	}
	fmt.Fprintf(out, "total unread: %d\n", snap.Total)
}

func writeActivity(out io.Writer, snap chatsync.ActivitySnapshot) {
	if snap.Err != nil {
		fmt.Fprintf(out, "! %v\n", snap.Err)
	}
	for _, e := range snap.Entries {
		fmt.Fprintf(out, "%s  %-24s %-14s %s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Details)
	}
}
