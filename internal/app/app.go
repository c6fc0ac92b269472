package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vidfriends/client/internal/config"
	"github.com/vidfriends/client/internal/httpserver"
	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/outbox"
	"github.com/vidfriends/client/internal/session"
)

const sessionPurgeInterval = time.Minute

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// Run dispatches a vidfriends subcommand.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: login, logout, status, chat, upload, or devserver")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	switch args[0] {
	case "login":
		return runLogin(ctx, cfg, logger, args[1:])
	case "logout":
		return runLogout(ctx, cfg, logger)
	case "status":
		return runStatus(ctx, cfg, logger)
	case "chat":
		return runChat(ctx, cfg, logger, args[1:])
	case "upload":
		return runUpload(ctx, cfg, logger, args[1:])
	case "devserver":
		return runDevServer(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runLogin(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: vidfriends login <email> [password]")
	}
	email := args[0]
	password := os.Getenv("VIDFRIENDS_PASSWORD")
	if len(args) > 1 {
		password = args[1]
	}
	if password == "" {
		return errors.New("password required as argument or VIDFRIENDS_PASSWORD")
	}

	manager, err := buildClient(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	user, err := manager.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(stdout, "logged in as %s (%s)\n", user.Email, user.ID)
	printEntitlement(manager.Gate().Current())
	return nil
}

func runLogout(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	manager, err := buildClient(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(stdout, "logged out")
	return nil
}

func runStatus(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	manager, err := buildClient(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	sess, err := manager.Restore(ctx)
	if errors.Is(err, session.ErrNotLoggedIn) {
		fmt.Fprintln(stdout, "not logged in")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "user: %s\n", sess.UserID)
	fmt.Fprintf(stdout, "channel: %s\n", manager.Channel().State())
	printEntitlement(manager.Gate().Current())
	return nil
}

func runChat(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: vidfriends chat <conversationId> <receiverId>")
	}
	conversationID, receiverID := args[0], args[1]

	collector := metrics.New()
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		go func() {
			if err := httpserver.New(cfg.MetricsAddr, collector.Handler()).Run(ctx, ln); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	manager, err := buildClient(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer manager.Close()

	sess, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	pipeline := manager.Outbox()
	unsubscribe := pipeline.Subscribe(func(evt outbox.Event) {
		if evt.Message.ConversationID != conversationID {
			return
		}
		printEvent(sess.UserID, evt)
	})
	defer unsubscribe()

	unwatch := manager.Channel().OnRosterChange(func(roster map[string]models.PresenceEntry) {
		if entry, ok := roster[receiverID]; ok {
			status := "offline"
			if entry.Online {
				status = "online"
			}
			fmt.Fprintf(stdout, "* %s is %s\n", receiverID, status)
		}
	})
	defer unwatch()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
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
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/retry":
				for _, failed := range pipeline.Failed() {
					if _, err := pipeline.Retry(ctx, failed.ClientID); err != nil {
						fmt.Fprintf(stdout, "! retry %s: %v\n", failed.ClientID, err)
					}
				}
				continue
			}
			if _, err := manager.Send(ctx, conversationID, receiverID, line); err != nil {
				fmt.Fprintf(stdout, "! %v\n", err)
			}
		}
	}
}

func runUpload(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: vidfriends upload <file>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	manager, err := buildClient(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	if _, err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	photo, err := manager.UploadPhoto(ctx, filepath.Base(args[0]), f)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fmt.Fprintf(stdout, "uploaded %s -> %s\n", photo.Name, photo.URL)
	return nil
}

func runDevServer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ds, err := NewDevServer(ctx, cfg.DevServer, logger)
	if err != nil {
		return err
	}
	defer ds.Close()

	go ds.PurgeSessions(ctx, sessionPurgeInterval, logger)

	addr := fmt.Sprintf(":%d", cfg.DevServer.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("starting dev server", "addr", addr)
	return httpserver.New(addr, ds.Handler).Run(ctx, ln)
}

func printEntitlement(ent models.Entitlement) {
	switch {
	case !ent.Active:
		fmt.Fprintln(stdout, "subscription: inactive")
	case ent.ExpiresAt == nil:
		fmt.Fprintln(stdout, "subscription: active")
	default:
		fmt.Fprintf(stdout, "subscription: active until %s\n", ent.ExpiresAt.Format(time.RFC3339))
	}
}

func printEvent(self string, evt outbox.Event) {
	msg := evt.Message
	who := msg.SenderID
	if who == self {
		who = "me"
	}
	switch evt.Kind {
	case outbox.EventInserted:
		fmt.Fprintf(stdout, "%s: %s (sending)\n", who, msg.Body)
	case outbox.EventConfirmed:
		fmt.Fprintf(stdout, "%s: %s (sent)\n", who, msg.Body)
	case outbox.EventRolledBack:
		fmt.Fprintf(stdout, "! not sent: %s (%v), /retry to resend\n", msg.Body, evt.Err)
	case outbox.EventReceived:
		fmt.Fprintf(stdout, "%s: %s\n", who, msg.Body)
	}
}
