package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parley-im/roomsync"
	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/pubsub"
	"github.com/parley-im/roomsync/timeline"
)

var GitCommit string

const version = "0.1.0"

const (
	// Required fields
	EnvServer = "server"
	EnvWSURL  = "ws-url"
	EnvToken  = "token"
	EnvUserID = "user-id"

	// Optional fields
	EnvRoom        = "room"
	EnvDebug       = "debug"
	EnvMetricsAddr = "metrics-addr"
	EnvOTLP        = "otlp-url"
	EnvOTLPUser    = "otlp-username"
	EnvOTLPPass    = "otlp-password"
	EnvSentryDsn   = "sentry-dsn"
	EnvEchoWait    = "echo-wait"
	EnvHistory     = "history-limit"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	fmt.Printf("roomsync %v (%v)\n", version, GitCommit)
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "roomsync",
		Short:        "Chat in a room from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cmd, configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), v, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./roomsync.yaml)")
	flags.String("server", "", "base URL of the chat REST API")
	flags.String("ws-url", "", "URL of the live events websocket")
	flags.String("token", "", "access token")
	flags.String("user-id", "", "your user ID")
	flags.String("room", "", "room to enter on startup")
	flags.Bool("debug", false, "log at debug level")
	flags.String("metrics-addr", "", "serve /metrics and /debug/session on this address")
	flags.String("otlp-url", "", "send traces to this OTLP collector")
	flags.String("otlp-username", "", "OTLP basic auth username")
	flags.String("otlp-password", "", "OTLP basic auth password")
	flags.String("sentry-dsn", "", "report transport errors to sentry")
	flags.Duration("echo-wait", 0, "how long to wait for a sent message to be echoed")
	flags.Int("history-limit", 0, "how many messages to load when entering a room")

	root.AddCommand(newRoomsCmd(v))
	return root
}

func newRoomsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms you have joined",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &chatapi.HTTPClient{
				Client:      &http.Client{Timeout: 30 * time.Second},
				BaseURL:     v.GetString(EnvServer),
				AccessToken: v.GetString(EnvToken),
			}
			out := cmd.OutOrStdout()
			for offset := 0; ; offset += 100 {
				rooms, err := client.JoinedRooms(cmd.Context(), v.GetString(EnvUserID), offset, 100)
				if err != nil {
					return err
				}
				for _, r := range rooms {
					private := ""
					if r.IsPrivate {
						private = " (private)"
					}
					fmt.Fprintf(out, "%s\t%s%s\n", r.ID, r.Title, private)
				}
				if len(rooms) < 100 {
					return nil
				}
			}
		},
	}
}

// loadConfig merges defaults < config file < ROOMSYNC_* env vars < flags.
func loadConfig(v *viper.Viper, cmd *cobra.Command, configFile string) error {
	v.SetConfigName("roomsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, _ := os.UserHomeDir(); home != "" {
		v.AddConfigPath(home + "/.config/roomsync")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}
	for _, key := range []string{EnvServer, EnvWSURL, EnvUserID} {
		if v.GetString(key) == "" {
			return fmt.Errorf("missing required config: --%s or ROOMSYNC_%s",
				key, strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
		}
	}
	if v.GetBool(EnvDebug) {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return nil
}

func runChat(ctx context.Context, v *viper.Viper, in io.Reader, out io.Writer) error {
	if dsn := v.GetString(EnvSentryDsn); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
			Dist:    GitCommit,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init failed: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if otlp := v.GetString(EnvOTLP); otlp != "" {
		err := internal.ConfigureOTLP(otlp, v.GetString(EnvOTLPUser), v.GetString(EnvOTLPPass), version)
		if err != nil {
			return fmt.Errorf("failed to configure OTLP: %w", err)
		}
	}

	roomsync.Version = version
	reg := prometheus.NewRegistry()
	client, err := roomsync.New(roomsync.Config{
		ServerURL:    v.GetString(EnvServer),
		WebsocketURL: v.GetString(EnvWSURL),
		AccessToken:  v.GetString(EnvToken),
		UserID:       v.GetString(EnvUserID),
		EchoWait:     v.GetDuration(EnvEchoWait),
		HistoryLimit: v.GetInt(EnvHistory),
		Registerer:   reg,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if addr := v.GetString(EnvMetricsAddr); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           roomsync.NewDebugHandler(client, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Str("addr", addr).Msg("debug server failed")
			}
		}()
		defer srv.Close()
		logger.Info().Str("addr", addr).Msg("serving metrics")
	}

	sub := client.Subscribe(&printer{client: client, out: out})
	go func() {
		if err := sub.Listen(); err != nil {
			logger.Warn().Err(err).Msg("stopped listening for session changes")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if room := v.GetString(EnvRoom); room != "" {
		enter(ctx, client, room)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
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
			if quit := handleLine(ctx, client, line, out); quit {
				return nil
			}
		}
	}
}

func enter(ctx context.Context, client *roomsync.Client, roomID string) {
	if err := client.Session.EnterRoom(ctx, roomID); err != nil {
		logger.Error().Err(err).Str("room", roomID).Msg("failed to enter room")
	}
}

// handleLine runs a slash command or sends the line as a message. Returns true to quit.
func handleLine(ctx context.Context, client *roomsync.Client, line string, out io.Writer) bool {
	sess := client.Session
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/enter":
		enter(ctx, client, arg)
		return false
	case "/close":
		sess.LeaveRoom()
	case "/join":
		err = sess.JoinRoom(ctx)
	case "/leave":
		err = sess.LeaveMembership(ctx)
	case "/title":
		err = sess.UpdateRoomMetadata(ctx, chatapi.RoomPatch{Title: &arg})
	case "/private", "/public":
		private := cmd == "/private"
		err = sess.UpdateRoomMetadata(ctx, chatapi.RoomPatch{IsPrivate: &private})
	case "/delete":
		roomID := sess.RoomID()
		if err = sess.DeleteRoom(ctx); err == nil {
			fmt.Fprintf(out, "-- deleted %s\n", roomID)
		}
	case "/user":
		sess.SetUser(ctx, arg)
	default:
		err = sess.SendMessage(ctx, line)
	}
	if err != nil {
		fmt.Fprintf(out, "! %s\n", err)
	}
	return false
}

// printer writes new timeline items to the terminal.
type printer struct {
	client  *roomsync.Client
	out     io.Writer
	printed map[string]bool
}

func (p *printer) OnTimelineChanged(tc *pubsub.TimelineChanged) {
	if p.printed == nil || tc.Len == 0 {
		p.printed = make(map[string]bool)
	}
	for _, it := range p.client.Session.Timeline() {
		if p.printed[it.ItemID()] {
			continue
		}
		switch x := it.(type) {
		case *timeline.Message:
			// printed once the server echoes it
			if x.Status == timeline.Pending {
				continue
			}
			fmt.Fprintf(p.out, "[%s] <%s> %s\n", x.CreatedAt.Local().Format("15:04"), x.Username, x.Content)
		case *timeline.Event:
			fmt.Fprintf(p.out, "[%s] * %s\n", x.CreatedAt.Local().Format("15:04"), x.String())
		}
		p.printed[it.ItemID()] = true
	}
}

func (p *printer) OnChannelStateChanged(c *pubsub.ChannelStateChanged) {
	if c.Err != "" {
		fmt.Fprintf(p.out, "-- live channel %s: %s\n", c.State, c.Err)
		return
	}
	fmt.Fprintf(p.out, "-- live channel %s\n", c.State)
}

func (p *printer) OnMembershipChanged(m *pubsub.MembershipChanged) {
	if m.IsMember {
		fmt.Fprintf(p.out, "-- you are a member of %s\n", m.RoomID)
	} else {
		fmt.Fprintf(p.out, "-- you are not a member of %s, /join to send messages\n", m.RoomID)
	}
}

func (p *printer) OnViewChanged(vc *pubsub.ViewChanged) {
	if vc.View == "loading" || vc.View == "ready" || vc.View == "none" {
		return
	}
	fmt.Fprintf(p.out, "-- %s: %s\n", vc.RoomID, strings.ReplaceAll(vc.View, "_", " "))
}

func (p *printer) OnRoomChanged(r *pubsub.RoomChanged) {
	fmt.Fprintf(p.out, "-- %s is now %q\n", r.RoomID, r.Title)
}

func (p *printer) OnSendUnconfirmed(u *pubsub.SendUnconfirmed) {
	fmt.Fprintf(p.out, "! message %s was not delivered\n", u.ItemID)
}
