package main

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/projector"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		line     string
		command  string
		argument string
	}{
		{line: "", command: "", argument: ""},
		{line: "   ", command: "", argument: ""},
		{line: "hello there", command: "hello there", argument: ""},
		{line: "/JOIN memes", command: "/join", argument: "memes"},
		{line: "/status   dnd ", command: "/status", argument: "dnd"},
		{line: "/quit", command: "/quit", argument: ""},
	}
	for _, testCase := range testCases {
		command, argument := parseLine(testCase.line)
		if command != testCase.command || argument != testCase.argument {
			t.Fatalf("parseLine(%q) = %q %q, expected %q %q", testCase.line, command, argument, testCase.command, testCase.argument)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	message := chat.Message{
		ID:        "m1",
		ChannelID: "general",
		Content:   "hi",
		Kind:      chat.MessageKindText,
		Author:    chat.Identity{ID: "u1", DisplayName: "alice", IsAutomated: true},
		CreatedAt: time.Date(2026, 10, 1, 9, 30, 0, 0, time.Local),
	}
	if formatted := formatMessage(message); formatted != "09:30 #general alice [BOT]: hi" {
		t.Fatalf("unexpected format %q", formatted)
	}

	message.Kind = chat.MessageKindAudio
	message.Content = "data:audio/webm;base64,AAAA"
	if formatted := formatMessage(message); !strings.HasSuffix(formatted, "[voice message, audio/webm, 3 bytes]") {
		t.Fatalf("expected decoded audio summary, got %q", formatted)
	}

	message.Content = "not a data url"
	if formatted := formatMessage(message); !strings.HasSuffix(formatted, "[voice message, unreadable]") {
		t.Fatalf("expected unreadable audio placeholder, got %q", formatted)
	}
}

func TestWriteMembersOmitsEmptyOfflineGroup(t *testing.T) {
	var buffer strings.Builder
	writeMembers(&buffer, projector.Project(chat.Roster{{ID: "a", DisplayName: "alice", Status: chat.StatusOnline}}))
	output := buffer.String()
	if !strings.Contains(output, "ONLINE — 1") || strings.Contains(output, "OFFLINE") {
		t.Fatalf("unexpected members output %q", output)
	}
}

func TestWriteCatalogueListsEveryChannel(t *testing.T) {
	var buffer strings.Builder
	writeCatalogue(&buffer)
	for _, channelID := range []string{"#rules", "#general", "#memes", "~v1", "~v2"} {
		if !strings.Contains(buffer.String(), channelID) {
			t.Fatalf("expected %s in catalogue output %q", channelID, buffer.String())
		}
	}
}
