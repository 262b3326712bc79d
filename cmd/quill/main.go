package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/call"
	"github.com/quillchat/quill/internal/callhistory"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/logging"
	"github.com/quillchat/quill/internal/media"
	"github.com/quillchat/quill/internal/proto"
	"github.com/quillchat/quill/internal/rtc"
	"github.com/quillchat/quill/internal/signaling"
)

// Application holds all components of the call client.
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	signaler *signaling.Client
	media    *media.Manager
	calls    *call.Manager
	history  *callhistory.Store
}

func main() {
	cfg := config.NewDefaultConfig()

	flag.StringVar(&cfg.SignalingURL, "server", cfg.SignalingURL, "signaling server websocket URL")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "how long a call may ring or connect before timing out")
	flag.Parse()

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	if err := app.Run(); err != nil {
		app.logger.Fatal("Application failed", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	signaler := signaling.NewClient(cfg.SignalingURL, logger)

	provider, err := media.NewDeviceProvider(media.Constraints{
		VideoWidth:    cfg.MediaConfig.VideoWidth,
		VideoHeight:   cfg.MediaConfig.VideoHeight,
		Framerate:     cfg.MediaConfig.Framerate,
		VideoBitRate:  cfg.MediaConfig.VideoBitRate,
		AudioBitRate:  cfg.MediaConfig.AudioBitRate,
		ScreenWidth:   cfg.MediaConfig.ScreenWidth,
		ScreenHeight:  cfg.MediaConfig.ScreenHeight,
		ScreenBitRate: cfg.MediaConfig.ScreenBitRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media provider: %w", err)
	}

	mediaMgr := media.NewManager(provider, logger)

	newLink := func() (call.PeerLink, error) {
		return rtc.NewLink(rtc.Config{ICEServers: cfg.ICEServers}, logger)
	}

	calls := call.NewManager(signaler, mediaMgr, newLink, logger, call.Options{
		RingTimeout: cfg.RingTimeout,
		EndedLinger: cfg.EndedLinger,
	})

	app := &Application{
		config:   cfg,
		logger:   logger,
		signaler: signaler,
		media:    mediaMgr,
		calls:    calls,
	}

	if cfg.HistoryDSN != "" {
		store, err := callhistory.NewStore(cfg.HistoryDSN, logger)
		if err != nil {
			// History is a convenience; a dead database must not block calls.
			logger.Warn("Call history disabled", zap.Error(err))
		} else {
			app.history = store
			calls.SetHistory(store)
		}
	}

	return app, nil
}

func (app *Application) Run() error {
	if app.config.AuthToken == "" {
		return fmt.Errorf("no auth token: set QUILL_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.signaler.Connect(ctx, app.config.AuthToken); err != nil {
		return fmt.Errorf("failed to connect signaling: %w", err)
	}

	events, unsubscribe := app.calls.Subscribe()
	defer unsubscribe()
	go app.watchEvents(events)

	go app.commandLoop(cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		app.logger.Info("Shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	return nil
}

func (app *Application) watchEvents(events <-chan call.Event) {
	for ev := range events {
		switch ev.Kind {
		case call.EventIncomingCall:
			info := ev.State.IncomingCall
			if info == nil {
				continue
			}
			fmt.Printf("\n*** Incoming %s call from %s (accept/decline) ***\n",
				info.Kind, info.Remote.Username)
		case call.EventStateChanged:
			app.logger.Debug("Call state",
				zap.String("status", string(ev.State.CallStatus)),
				zap.String("end_reason", ev.State.EndReason))
		case call.EventNotice:
			fmt.Printf("\n%s\n", ev.Notice)
		case call.EventRemoteTrack:
			if ev.Track != nil {
				app.logger.Info("Remote media arrived",
					zap.String("track", ev.Track.ID()),
					zap.String("kind", ev.Track.Kind().String()))
			}
		}
	}
}

// commandLoop reads interactive commands from stdin until EOF or quit.
func (app *Application) commandLoop(quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := app.dispatch(fields, quit); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (app *Application) dispatch(fields []string, quit context.CancelFunc) error {
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <user-id> [video]")
		}
		kind := proto.CallKindVoice
		if len(fields) > 2 && fields[2] == "video" {
			kind = proto.CallKindVideo
		}
		return app.calls.Initiate(fields[1], kind)
	case "accept":
		return app.calls.Accept()
	case "decline":
		return app.calls.Decline()
	case "end":
		return app.calls.End()
	case "mute":
		fmt.Printf("audio enabled: %v\n", app.calls.ToggleAudio())
		return nil
	case "video":
		fmt.Printf("video enabled: %v\n", app.calls.ToggleVideo())
		return nil
	case "share":
		return app.calls.StartScreenShare()
	case "stopshare":
		return app.calls.StopScreenShare()
	case "status":
		printState(app.calls.Snapshot())
		app.printHistoryHealth()
		return nil
	case "history":
		peer := ""
		if len(fields) > 1 {
			peer = fields[1]
		}
		return app.printHistory(peer)
	case "prune":
		if len(fields) < 2 {
			return fmt.Errorf("usage: prune <days>")
		}
		return app.pruneHistory(fields[1])
	case "quit", "exit":
		quit()
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func printState(state call.State) {
	fmt.Printf("signaling connected: %v\n", state.IsConnected)
	fmt.Printf("call status: %s\n", state.CallStatus)
	if state.ActiveCall != nil {
		fmt.Printf("peer: %s (%s)\n", state.ActiveCall.Remote.Username, state.ActiveCall.Kind)
	}
	if state.CallDuration > 0 {
		fmt.Printf("duration: %s\n", state.CallDuration.Round(time.Second))
	}
	fmt.Printf("audio: %v, video: %v, sharing: %v\n",
		state.AudioEnabled, state.VideoEnabled, state.IsScreenSharing)
	if state.EndReason != "" {
		fmt.Printf("last call ended: %s\n", state.EndReason)
	}
}

func (app *Application) printHistory(peer string) error {
	if app.history == nil {
		return fmt.Errorf("call history is not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var entries []callhistory.Entry
	var err error
	if peer != "" {
		entries, err = app.history.RecentWithPeer(ctx, peer, 20)
	} else {
		entries, err = app.history.Recent(ctx, 20)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := ""
		if e.Missed() {
			marker = " (missed)"
		}
		fmt.Printf("%s  %-7s %-6s %s  %.0fs%s\n",
			e.StartedAt.Format(time.RFC3339), e.Kind, e.Role, e.PeerName, e.DurationSec, marker)
	}
	return nil
}

// pruneHistory removes history entries older than the given number of days.
func (app *Application) pruneHistory(arg string) error {
	days, err := strconv.Atoi(arg)
	if err != nil || days < 0 {
		return fmt.Errorf("usage: prune <days>")
	}
	if app.history == nil {
		return fmt.Errorf("call history is not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	removed, err := app.history.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d history entries\n", removed)
	return nil
}

func (app *Application) printHistoryHealth() {
	if app.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := app.history.HealthCheck(ctx); err != nil {
		fmt.Printf("history db: unreachable (%v)\n", err)
		return
	}
	fmt.Println("history db: ok")
}

func (app *Application) Cleanup() {
	if app.calls != nil {
		app.calls.Close()
	}
	if app.signaler != nil {
		app.signaler.Close()
	}
	if app.media != nil {
		app.media.ReleaseAll()
	}
	if app.history != nil {
		app.history.Close()
	}
	if app.logger != nil {
		app.logger.Sync()
	}
}
