package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/roomchat/internal/model/chat"
	"github.com/zhouzirui/roomchat/internal/service/api"
)

func buildRoomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms visible to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd)
		},
	}
}

func buildCreateRoomCmd() *cobra.Command {
	var draft chat.RoomDraft
	cmd := &cobra.Command{
		Use:   "create-room <name>",
		Short: "Create a room and join it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.Name = args[0]
			return runCreateRoom(cmd, draft)
		},
	}
	cmd.Flags().StringVar(&draft.Description, "description", "", "Room description")
	cmd.Flags().BoolVar(&draft.IsPrivate, "private", false, "Hide the room from non-members")
	cmd.Flags().IntVar(&draft.MaxMembers, "max-members", 0, "Member limit (server default when 0)")
	return cmd
}

func buildJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, args[0])
		},
	}
}

func buildLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeave(cmd, args[0])
		},
	}
}

func buildHistoryCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <room>",
		Short: "Print recent messages of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, args[0], pages)
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "Number of history pages to load")
	return cmd
}

func runRooms(cmd *cobra.Command) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	rooms, err := c.Rooms.ListAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tMEMBERS\tVISIBILITY")
	for _, room := range rooms {
		visibility := "public"
		if room.IsPrivate {
			visibility = "private"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", room.Slug, room.Name, room.MemberCount, visibility)
	}
	return w.Flush()
}

func runCreateRoom(cmd *cobra.Command, draft chat.RoomDraft) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	room, err := c.Rooms.Create(cmd.Context(), draft)
	if err != nil {
		var validation *api.ValidationError
		if errors.As(err, &validation) {
			return fmt.Errorf("room rejected:\n%s", formatFieldErrors(validation.Fields))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s).\n", room.Name, room.Slug)
	return nil
}

func runJoin(cmd *cobra.Command, slug string) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Rooms.Join(cmd.Context(), slug); err != nil {
		return fmt.Errorf("join %s: %w", slug, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Joined %s.\n", slug)
	return nil
}

func runLeave(cmd *cobra.Command, slug string) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Rooms.Leave(cmd.Context(), slug); err != nil {
		return fmt.Errorf("leave %s: %w", slug, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Left %s.\n", slug)
	return nil
}

func runHistory(cmd *cobra.Command, slug string, pages int) error {
	c, err := openAuthenticated()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if err := c.Sync.ActivateRoom(ctx, slug); err != nil {
		return fmt.Errorf("load %s: %w", slug, err)
	}
	for i := 1; i < pages && c.Sync.HasMore(slug); i++ {
		if _, err := c.Sync.LoadMore(ctx, slug); err != nil {
			return fmt.Errorf("load older messages: %w", err)
		}
	}

	msgs, _ := c.Sync.Snapshot(slug)
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages yet.")
		return nil
	}
	t := newTranscript(cmd.OutOrStdout())
	t.render(msgs)
	if c.Sync.HasMore(slug) {
		fmt.Fprintln(cmd.OutOrStdout(), "(older messages available, use --pages)")
	}
	return nil
}

// formatFieldErrors prints server validation messages one field per line,
// in field order.
func formatFieldErrors(fields map[string][]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, strings.Join(fields[k], " "))
	}
	return strings.TrimRight(b.String(), "\n")
}
