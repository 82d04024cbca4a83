// Command wsprobe is a manual test probe for a running syncboard server.
//
// It joins a diagram as a real participant using the client SDK, prints every
// event the room emits, and can generate synthetic edit and cursor traffic:
//
//	wsprobe -server http://localhost:8080 -diagram demo -user alice -secret <jwt-secret>
//	wsprobe -diagram demo -user bob -token <jwt> -edits 10 -cursor
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ericfitz/syncboard/api"
	"github.com/ericfitz/syncboard/auth"
	"github.com/ericfitz/syncboard/client"
	"github.com/ericfitz/syncboard/internal/slogging"
)

type probeConfig struct {
	ServerURL string
	DiagramID string
	UserID    string
	Name      string
	Token     string
	Secret    string
	Edits     int
	Interval  time.Duration
	Cursor    bool
	Debug     bool
}

func main() {
	cfg := parseArgs()

	level := slogging.LogLevelInfo
	if cfg.Debug {
		level = slogging.LogLevelDebug
	}
	if err := slogging.Initialize(slogging.Config{Level: level, IsDev: true, ConsoleOnly: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	token := cfg.Token
	if token == "" {
		minted, err := mintToken(cfg)
		if err != nil {
			logger.Error("Failed to mint token: %v", err)
			os.Exit(1)
		}
		token = minted
		logger.Info("Minted a local token for %s; the server must share the same secret", cfg.UserID)
	}

	sess := client.NewSession(client.SessionConfig{
		ServerURL: cfg.ServerURL,
		DiagramID: cfg.DiagramID,
		Token:     token,
	})
	registerPrinters(sess, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down")
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	err := sess.Connect(dialCtx)
	dialCancel()
	if err != nil {
		logger.Error("Failed to join diagram %s: %v", cfg.DiagramID, err)
		os.Exit(1)
	}
	logger.Info("Joined diagram %s as %s (%d users present)", cfg.DiagramID, cfg.UserID, len(sess.Users()))

	if cfg.Edits > 0 || cfg.Cursor {
		go trafficLoop(ctx, sess, cfg, logger)
	}

	<-ctx.Done()
	if err := sess.Close(); err != nil {
		logger.Warn("Session close: %v", err)
	}
}

func parseArgs() probeConfig {
	var cfg probeConfig
	var interval string

	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Server URL")
	flag.StringVar(&cfg.DiagramID, "diagram", "", "Diagram ID to join")
	flag.StringVar(&cfg.UserID, "user", "", "User ID to join as")
	flag.StringVar(&cfg.Name, "name", "", "Display name (defaults to the user ID)")
	flag.StringVar(&cfg.Token, "token", "", "JWT to authenticate with")
	flag.StringVar(&cfg.Secret, "secret", "", "JWT secret for minting a token locally (when -token is not given)")
	flag.IntVar(&cfg.Edits, "edits", 0, "Number of synthetic element updates to send")
	flag.StringVar(&interval, "interval", "1s", "Gap between synthetic updates")
	flag.BoolVar(&cfg.Cursor, "cursor", false, "Continuously move the cursor along a circle")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.DiagramID == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "Required parameters missing: -diagram and -user")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.Token == "" && cfg.Secret == "" {
		fmt.Fprintln(os.Stderr, "Either -token or -secret is required")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.UserID
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		cfg.ServerURL = "http://" + cfg.ServerURL
	}

	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid -interval: %s\n", interval)
		os.Exit(1)
	}
	cfg.Interval = d

	return cfg
}

func mintToken(cfg probeConfig) (string, error) {
	svc, err := auth.NewService(cfg.Secret, time.Hour)
	if err != nil {
		return "", err
	}
	return svc.GenerateToken(cfg.UserID, cfg.Name)
}

func registerPrinters(sess *client.Session, logger *slogging.Logger) {
	ev := sess.Events()

	ev.OnConnectionStateChanged(func(st client.State) {
		logger.Info("Connection state: %s", st)
	})
	ev.OnPresenceSync(func(m api.ActiveUsersUpdateMessage) {
		names := make([]string, 0, len(m.Users))
		for _, u := range m.Users {
			names = append(names, u.UserID)
		}
		logger.Info("Snapshot: users=[%s] locks=%d seq=%d", strings.Join(names, " "), len(m.Locks), m.Seq)
	})
	ev.OnUserJoined(func(m api.UserJoinedMessage) {
		logger.Info("Joined: %s (%s)", m.User.UserID, m.User.DisplayName)
	})
	ev.OnUserLeft(func(m api.UserLeftMessage) {
		logger.Info("Left: %s", m.UserID)
	})
	ev.OnElementCreated(func(m api.ElementCreateMessage) {
		logger.Info("Created by %s seq=%d: %s", m.UserID, m.Seq, m.Element)
	})
	ev.OnElementUpdated(func(m api.ElementUpdateMessage) {
		logger.Info("Updated by %s seq=%d: %s", m.UserID, m.Seq, m.Element)
	})
	ev.OnElementDeleted(func(m api.ElementDeleteMessage) {
		logger.Info("Deleted by %s seq=%d: %s", m.UserID, m.Seq, m.ElementID)
	})
	ev.OnElementLocked(func(m api.ElementLockMessage) {
		logger.Info("Locked: %s by %s", m.ElementID, m.User.UserID)
	})
	ev.OnElementUnlocked(func(m api.ElementUnlockMessage) {
		logger.Info("Unlocked: %s", m.ElementID)
	})
	ev.OnLockDenied(func(m api.LockDeniedMessage) {
		logger.Warn("Lock denied: %s held by %s", m.ElementID, m.Holder.UserID)
	})
	ev.OnUnlockDenied(func(m api.UnlockDeniedMessage) {
		logger.Warn("Unlock denied: %s (%s)", m.ElementID, m.Reason)
	})
	ev.OnCursorMoved(func(m api.CursorMoveMessage) {
		logger.Debug("Cursor: %s at (%.1f, %.1f)", m.UserID, m.Cursor.X, m.Cursor.Y)
	})
	ev.OnError(func(m api.ErrorMessage) {
		logger.Warn("Server error: %s", m.Message)
	})
	ev.OnConnectionLost(func() {
		logger.Warn("Connection lost; reconnecting")
	})
}

// trafficLoop drives synthetic edits against one probe-owned element and an
// optional cursor sweep, until the context ends or the edit budget is spent.
func trafficLoop(ctx context.Context, sess *client.Session, cfg probeConfig, logger *slogging.Logger) {
	elementID := "probe-" + cfg.UserID
	sent := 0

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	cursorTicker := time.NewTicker(50 * time.Millisecond)
	defer cursorTicker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cursorTicker.C:
			if !cfg.Cursor {
				continue
			}
			angle := time.Since(start).Seconds()
			sess.MoveCursor(500+200*math.Cos(angle), 500+200*math.Sin(angle))
		case <-ticker.C:
			if sent >= cfg.Edits {
				continue
			}
			element, err := json.Marshal(map[string]any{
				"id":    elementID,
				"label": fmt.Sprintf("edit %d from %s", sent+1, cfg.UserID),
				"x":     sent * 10,
				"y":     sent * 10,
			})
			if err != nil {
				logger.Error("Failed to build element payload: %v", err)
				return
			}
			if sent == 0 {
				err = sess.CreateElement(element)
			} else {
				err = sess.UpdateElement(element)
			}
			if err != nil {
				logger.Error("Failed to send edit: %v", err)
				return
			}
			sent++
			if sent == cfg.Edits {
				logger.Info("Synthetic edits done (%d sent)", sent)
			}
		}
	}
}
