package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/relaychat/internal/audio"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/client"
	"github.com/MarcoPoloResearchLab/relaychat/internal/projector"
	"github.com/spf13/cobra"
)

const runHelp = `commands:
  /join <channel>    switch channel
  /members           print the member list
  /status <status>   set your local status (online, idle, dnd)
  /voice <file>      send a recorded clip
  /history           reprint the current channel
  /quit              leave`

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and chat interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()
			session, err := application.newSession(ctx)
			if err != nil {
				return err
			}

			terminal := newTerminal(cmd.OutOrStdout(), session, application.config.Channel)
			terminal.attach()
			terminal.printHistory(application.mirror.Log(terminal.channel()))

			if err := session.Start(ctx); err != nil {
				return err
			}
			defer session.Stop()

			return terminal.loop(ctx, cmd.InOrStdin(), audio.NewSourceRecorder(0), application.mirror.Log)
		},
	}
}

// terminal renders session events and interprets typed lines.
type terminal struct {
	out     io.Writer
	session *client.Session

	mu         sync.Mutex
	current    string
	projection projector.Projection
}

func newTerminal(out io.Writer, session *client.Session, channelID string) *terminal {
	return &terminal{out: out, session: session, current: channelID}
}

func (t *terminal) attach() {
	t.session.OnStateChange(func(state client.ConnectionState) {
		t.printf("* %s\n", state)
	})
	t.session.OnMessage(func(message chat.Message) {
		if message.ChannelID != t.channel() {
			return
		}
		t.printf("%s\n", formatMessage(message))
	})
	t.session.OnRoster(func(projection projector.Projection) {
		t.mu.Lock()
		t.projection = projection
		t.mu.Unlock()
		online, _ := projection.Headers()
		t.printf("* %s\n", online)
	})
}

func (t *terminal) channel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) printHistory(log chat.ChannelLog) {
	t.printf("-- #%s --\n", t.channel())
	for _, message := range log {
		t.printf("%s\n", formatMessage(message))
	}
}

func (t *terminal) loop(ctx context.Context, in io.Reader, recorder audio.Recorder, history func(string) chat.ChannelLog) error {
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

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handleLine(ctx, line, recorder, history); quit {
				return nil
			}
		}
	}
}

func (t *terminal) handleLine(ctx context.Context, line string, recorder audio.Recorder, history func(string) chat.ChannelLog) bool {
	command, argument := parseLine(line)
	switch command {
	case "":
		return false
	case "/quit":
		return true
	case "/help":
		t.printf("%s\n", runHelp)
	case "/join":
		if _, known := chat.LookupChannel(argument); !known {
			t.printf("! unknown channel %q\n", argument)
			return false
		}
		t.mu.Lock()
		t.current = argument
		t.mu.Unlock()
		t.printHistory(history(argument))
	case "/history":
		t.printHistory(history(t.channel()))
	case "/members":
		t.mu.Lock()
		projection := t.projection
		t.mu.Unlock()
		var buffer strings.Builder
		writeMembers(&buffer, projection)
		t.printf("%s", buffer.String())
	case "/status":
		if err := t.session.SetLocalStatus(argument); err != nil {
			t.printf("! %v\n", err)
		}
	case "/voice":
		t.sendVoice(ctx, argument, recorder)
	case "/say":
		t.send(ctx, argument)
	default:
		if strings.HasPrefix(command, "/") {
			t.printf("! unknown command %s, try /help\n", command)
			return false
		}
		t.send(ctx, line)
	}
	return false
}

func (t *terminal) send(ctx context.Context, content string) {
	_, err := t.session.Send(ctx, t.channel(), content, chat.MessageKindText)
	if errors.Is(err, client.ErrNotConnected) {
		t.printf("! not connected, message not sent\n")
		return
	}
	if err != nil {
		t.printf("! %v\n", err)
	}
}

func (t *terminal) sendVoice(ctx context.Context, path string, recorder audio.Recorder) {
	file, err := os.Open(path)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	defer file.Close()
	if _, err := t.session.SendAudio(ctx, t.channel(), recorder, file); err != nil {
		t.printf("! %v\n", err)
	}
}

// parseLine splits "/cmd argument" input; plain text yields an empty argument
// and the text itself as the command only when it starts with a slash.
func parseLine(line string) (string, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		return trimmed, ""
	}
	command, argument, _ := strings.Cut(trimmed, " ")
	return strings.ToLower(command), strings.TrimSpace(argument)
}
