package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pvdmeer/babbel/internal/call"
	"github.com/pvdmeer/babbel/internal/config"
	"github.com/pvdmeer/babbel/internal/session"
	"github.com/pvdmeer/babbel/internal/storage"
	"github.com/pvdmeer/babbel/internal/transport"
	"github.com/pvdmeer/babbel/internal/util"
)

type Options struct {
	ClientDir string
	CfgPath   string
	Cfg       config.Config
	Username  string
	Password  string
}

// Run wires the full client: local cache, websocket session, component graph,
// login, then the interactive prompt until ctx is done or the user quits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBanner(opt.ClientDir, opt.CfgPath)

	// ── Local message cache
	var cache *storage.DB
	if !cfg.Chat.CacheDisabled {
		db, err := storage.Open(opt.ClientDir)
		if err != nil {
			log.Printf("APP: cache disabled, open failed: %v", err)
		} else {
			cache = db
			defer cache.Close()
			log.Printf("APP: message cache at %s", cache.Path())
		}
	}

	// ── Realtime channel
	ts := transport.New(cfg.Server.URL)
	dialCtx, cancelDial := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	err := ts.Connect(dialCtx)
	cancelDial()
	if err != nil {
		return err
	}
	defer ts.Close()

	// ── Component graph
	caps := &call.WebRTCCapabilities{STUNServers: cfg.Call.STUNServers}
	f := session.New(ts, session.Options{
		Cache:             cache,
		CacheHistoryLimit: cfg.Chat.CacheHistoryLimit,
		Capabilities:      caps,
		TypingWindows: [3]time.Duration{
			time.Duration(cfg.Chat.TypingThrottleMs) * time.Millisecond,
			time.Duration(cfg.Chat.TypingIdleMs) * time.Millisecond,
			time.Duration(cfg.Chat.TypingExpiryMs) * time.Millisecond,
		},
	})
	defer f.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- f.Run(runCtx) }()

	// ── Config reload (STUN list applies to the next call)
	go func() {
		err := config.Watch(runCtx, opt.CfgPath, func(next config.Config) {
			caps.SetSTUNServers(next.Call.STUNServers)
		})
		if err != nil && runCtx.Err() == nil {
			log.Printf("APP: config watch stopped: %v", err)
		}
	}()

	// ── Login
	username, password := opt.Username, opt.Password
	if username == "" {
		username, password = PromptCredentials()
	}
	if err := f.Login(ctx, username, password); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	fmt.Printf("Logged in as %s. Type /help for commands.\n", username)

	promptDone := make(chan error, 1)
	go func() { promptDone <- RunPrompt(runCtx, f) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-dispatchDone:
		return err
	case err := <-promptDone:
		cancel()
		return err
	}
}

func logBanner(clientDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("Babbel client scope")
	log.Printf(" Client folder : %s", clientDir)
	log.Printf(" Config file   : %s", cfgPath)
	log.Println("────────────────────────────────────────")
}
