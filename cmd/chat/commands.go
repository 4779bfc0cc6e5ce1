package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/audio"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/client"
	"github.com/MarcoPoloResearchLab/relaychat/internal/mirror"
	"github.com/MarcoPoloResearchLab/relaychat/internal/projector"
	"github.com/spf13/cobra"
)

const membersWait = 5 * time.Second

func newRegisterCommand() *cobra.Command {
	return newCredentialsCommand("register", "Create an account on the relay and log in", func(provider *client.HTTPAuthProvider) func(context.Context, string, string) (client.AuthResult, error) {
		return provider.Register
	})
}

func newLoginCommand() *cobra.Command {
	return newCredentialsCommand("login", "Log in to an existing account", func(provider *client.HTTPAuthProvider) func(context.Context, string, string) (client.AuthResult, error) {
		return provider.Login
	})
}

func newCredentialsCommand(use, short string, pick func(*client.HTTPAuthProvider) func(context.Context, string, string) (client.AuthResult, error)) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   use + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			if password == "" {
				password, err = readLine(cmd.InOrStdin(), cmd.OutOrStdout(), "password: ")
				if err != nil {
					return err
				}
			}
			provider, err := application.authProvider()
			if err != nil {
				return err
			}
			result, err := pick(provider)(ctx, args[0], password)
			if err != nil {
				return err
			}
			if err := application.sessions.Save(ctx, mirror.SessionRecord{Identity: result.Identity, AccessToken: result.AccessToken}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", result.Identity.DisplayName, result.Identity.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored identity; channel logs are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			if err := application.sessions.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history [channel]",
		Short: "Print the locally mirrored log of a channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			channelID := application.config.Channel
			if len(args) == 1 {
				channelID = args[0]
			}
			for _, message := range application.mirror.Log(channelID) {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(message))
			}
			return nil
		},
	}
}

func newMembersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "Connect briefly and print the member list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()
			session, err := application.newSession(ctx)
			if err != nil {
				return err
			}

			projections := make(chan projector.Projection, 1)
			session.OnRoster(func(projection projector.Projection) {
				select {
				case projections <- projection:
				default:
				}
			})
			if err := session.Start(ctx); err != nil {
				return err
			}
			defer session.Stop()

			select {
			case projection := <-projections:
				writeMembers(cmd.OutOrStdout(), projection)
				return nil
			case <-time.After(membersWait):
				return fmt.Errorf("no roster from %s within %s", application.config.RelayURL, membersWait)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func newChannelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the channel catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			writeCatalogue(cmd.OutOrStdout())
			return nil
		},
	}
}

func readLine(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func formatMessage(message chat.Message) string {
	stamp := message.CreatedAt.Local().Format("15:04")
	content := message.Content
	if message.Kind == chat.MessageKindAudio {
		mediaType, raw, err := audio.DecodeBlob(audio.BlobRef(message.Content))
		if err != nil {
			content = "[voice message, unreadable]"
		} else {
			content = fmt.Sprintf("[voice message, %s, %d bytes]", mediaType, len(raw))
		}
	}
	author := message.Author.DisplayName
	if message.Author.IsAutomated {
		author += " [BOT]"
	}
	return fmt.Sprintf("%s #%s %s: %s", stamp, message.ChannelID, author, content)
}

func writeMembers(out io.Writer, projection projector.Projection) {
	onlineHeader, offlineHeader := projection.Headers()
	fmt.Fprintln(out, onlineHeader)
	for _, member := range projection.Online {
		fmt.Fprintf(out, "  %s (%s)\n", member.DisplayName, member.Status)
	}
	if projection.OfflineCount() == 0 {
		return
	}
	fmt.Fprintln(out, offlineHeader)
	for _, member := range projection.Offline {
		fmt.Fprintf(out, "  %s\n", member.DisplayName)
	}
}

func writeCatalogue(out io.Writer) {
	for _, category := range chat.Catalogue() {
		fmt.Fprintln(out, strings.ToUpper(category.Name))
		for _, channel := range category.Channels {
			marker := "#"
			if channel.Type == chat.ChannelTypeVoice {
				marker = "~"
			}
			fmt.Fprintf(out, "  %s%s\n", marker, channel.ID)
		}
	}
}
