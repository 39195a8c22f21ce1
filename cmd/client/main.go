package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/groupchat/internal/client/connection"
	"github.com/yourusername/groupchat/internal/client/conversation"
	"github.com/yourusername/groupchat/internal/client/session"
	"github.com/yourusername/groupchat/internal/config"
	"github.com/yourusername/groupchat/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "chat",
	Short:         "Command line client for group chat",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig   string
	flagBaseURL  string
	flagUsername string
	flagPassword string
	flagLogLevel string

	flagGroup string
	flagMore  int
	flagText  string
	flagMedia []string
	flagFiles []string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "optional YAML config file")
	flags.StringVar(&flagBaseURL, "base-url", "", "backend base URL (default http://localhost:5176)")
	flags.StringVar(&flagUsername, "username", "", "account name (or CHAT_USERNAME)")
	flags.StringVar(&flagPassword, "password", "", "account password (or CHAT_PASSWORD)")
	flags.StringVar(&flagLogLevel, "log-level", "", "trace, debug, info, warn or error")

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List the groups of the signed-in user",
		RunE:  runGroups,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print the recent messages of a group",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&flagGroup, "group", "", "group id")
	historyCmd.Flags().IntVar(&flagMore, "more", 0, "number of older pages to load")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a group",
		RunE:  runSend,
	}
	sendCmd.Flags().StringVar(&flagGroup, "group", "", "group id")
	sendCmd.Flags().StringVar(&flagText, "text", "", "message text")
	sendCmd.Flags().StringSliceVar(&flagMedia, "media", nil, "image or video file to attach; repeatable")
	sendCmd.Flags().StringSliceVar(&flagFiles, "file", nil, "document to attach; repeatable")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a group until interrupted",
		RunE:  runTail,
	}
	tailCmd.Flags().StringVar(&flagGroup, "group", "", "group id")

	rootCmd.AddCommand(groupsCmd, historyCmd, sendCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open loads the config, signs in and returns a ready session
func open(ctx context.Context) (*session.Session, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	sess, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Login(ctx, cfg.Username, cfg.Password); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func requireGroup() error {
	if flagGroup == "" {
		return errors.New("--group is required")
	}
	return nil
}

func runGroups(cmd *cobra.Command, args []string) error {
	sess, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	for _, g := range sess.Groups() {
		last := "never"
		if !g.LastInteractionTime.IsZero() {
			last = humanize.Time(g.LastInteractionTime)
		}
		fmt.Fprintf(out, "%-12s %-20s %-14s %s\n", g.ID, g.DisplayName, last, g.LastMessagePreview)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := requireGroup(); err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.SelectGroup(ctx, flagGroup); err != nil {
		return err
	}
	for i := 0; i < flagMore; i++ {
		older, err := sess.LoadMore(ctx, flagGroup)
		if err != nil {
			return err
		}
		if len(older) == 0 {
			break
		}
	}

	state, _ := sess.Conversation(flagGroup)
	out := cmd.OutOrStdout()
	for _, m := range state.Messages {
		printMessage(out, state, m)
	}
	if state.HasMore {
		fmt.Fprintln(out, "(older messages available, use --more)")
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	if err := requireGroup(); err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	draft := sess.Draft(flagGroup)
	draft.SetText(flagText)
	for _, path := range flagMedia {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		draft.AttachMedia(data)
	}
	for _, path := range flagFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		draft.AttachFile(data)
	}

	msg, err := draft.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.RequestID)
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	if err := requireGroup(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	sess.OnEvent(func(ev connection.Event) {
		switch e := ev.(type) {
		case connection.ChatEvent:
			if e.GroupID != flagGroup {
				return
			}
			state, _ := sess.Conversation(flagGroup)
			printMessage(out, state, conversation.FromWire(e.GroupID, e.Message))
		case connection.StateEvent:
			log.Info().Str("from", e.From.String()).Str("to", e.To.String()).Msg("[chat] channel state")
		case connection.DisconnectedEvent:
			log.Error().Err(e.Error).Msg("[chat] connection lost")
			stop()
		}
	})

	if err := sess.SelectGroup(ctx, flagGroup); err != nil {
		return err
	}
	state, _ := sess.Conversation(flagGroup)
	for _, m := range state.Messages {
		printMessage(out, state, m)
	}

	<-ctx.Done()
	return nil
}

func printMessage(w io.Writer, state conversation.ConversationState, m conversation.Message) {
	text := ""
	if m.Text != nil {
		text = *m.Text
	}
	if n := len(m.Medias) + len(m.Files); n > 0 {
		text += fmt.Sprintf(" [%d attachment(s)]", n)
	}
	fmt.Fprintf(w, "%s  %-10s %s\n", m.CreatedAt.Local().Format(time.Kitchen), senderName(state, m.SenderID), text)
}

func senderName(state conversation.ConversationState, id string) string {
	if state.Roster.CurrentUser.ID == id && state.Roster.CurrentUser.DisplayName != "" {
		return state.Roster.CurrentUser.DisplayName
	}
	for _, p := range state.Roster.Others {
		if p.ID == id {
			return p.DisplayName
		}
	}
	return id
}
