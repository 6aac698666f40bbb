package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/roomchat/internal/model/chat"
)

func TestParseFields(t *testing.T) {
	profile, err := parseFields([]string{"email=a@example.com", "password1=x=y"})
	if err != nil {
		t.Fatalf("parseFields err: %v", err)
	}
	if profile["email"] != "a@example.com" || profile["password1"] != "x=y" {
		t.Fatalf("unexpected profile %v", profile)
	}

	if _, err := parseFields(nil); err == nil {
		t.Fatal("expected error for no fields")
	}
	if _, err := parseFields([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestFormatFieldErrorsIsSorted(t *testing.T) {
	got := formatFieldErrors(map[string][]string{
		"password2": {"The two password fields didn't match."},
		"email":     {"Enter a valid email address.", "Required."},
	})
	want := "  email: Enter a valid email address. Required.\n  password2: The two password fields didn't match."
	if got != want {
		t.Fatalf("formatFieldErrors = %q, want %q", got, want)
	}
}

func TestCreateRoomFlags(t *testing.T) {
	cmd := buildCreateRoomCmd()
	for _, name := range []string{"description", "private", "max-members"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
	if err := cmd.Args(cmd, nil); err == nil {
		t.Fatal("expected a room name to be required")
	}
}

func TestTranscriptPrintsOnceAndFlagsFailures(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	pending := chat.Message{
		Ref:               chat.PendingRef("c1"),
		SenderDisplayName: "alice",
		Content:           "hello",
		Timestamp:         at,
		Origin:            chat.OriginLocal,
		State:             chat.StatePending,
	}
	remote := chat.Message{
		Ref:               chat.ServerRef(7),
		SenderDisplayName: "bob",
		Content:           "hi",
		Timestamp:         at,
		State:             chat.StateConfirmed,
	}

	tr.render([]chat.Message{remote, pending})
	tr.render([]chat.Message{remote, pending})
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", got, buf.String())
	}
	if !strings.Contains(buf.String(), "alice: hello (sending)") {
		t.Fatalf("pending entry not marked: %q", buf.String())
	}

	failed := pending.Fail("connection refused")
	tr.render([]chat.Message{remote, failed})
	if !strings.Contains(buf.String(), "not delivered [1]") {
		t.Fatalf("failure not reported: %q", buf.String())
	}

	corr, ok := tr.failed("")
	if !ok || corr != "c1" {
		t.Fatalf("expected latest failure c1, got %q %v", corr, ok)
	}
	if _, ok := tr.failed("2"); ok {
		t.Fatal("expected unknown failure index rejected")
	}

	buf.Reset()
	confirmed := pending
	confirmed.Ref.ServerID = 8
	confirmed.State = chat.StateConfirmed
	tr.render([]chat.Message{remote, confirmed})
	if buf.Len() != 0 {
		t.Fatalf("confirmation of a printed entry should be silent, got %q", buf.String())
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"login", "logout", "register", "rooms", "create-room", "join", "leave", "history", "chat", "whoami"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
}
