// Command trader runs the mobile-authenticator trading loop: it logs in, polls
// pending confirmations, drives submitted trade offers to a terminal state,
// and serves the operator review API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"steamhelper/internal/config"
	"steamhelper/internal/confirm"
	"steamhelper/internal/retry"
	"steamhelper/internal/review"
	"steamhelper/internal/secrets"
	"steamhelper/internal/session"
	"steamhelper/internal/state"
	"steamhelper/internal/trade"
)

type args struct {
	configPath      string
	maFilePath      string
	reviewAddr      string
	eventLogPath    string
	checkpointFile  string
	autoAcceptFree  bool
	declineReceived bool
}

const checkpointInterval = 30 * time.Second

func parseArgs() args {
	var a args
	flag.StringVar(&a.configPath, "config", "", "yaml config file (optional, env fills the rest)")
	flag.StringVar(&a.maFilePath, "mafile", "", "authenticator maFile path (overrides config)")
	flag.StringVar(&a.reviewAddr, "review-addr", "", "listen address for the review API (overrides config)")
	flag.StringVar(&a.eventLogPath, "event-log", "", "JSONL event log path (overrides config)")
	flag.StringVar(&a.checkpointFile, "checkpoint", "./out/offers.json", "offer snapshot file (empty disables)")
	flag.BoolVar(&a.autoAcceptFree, "auto-accept-give-nothing", false, "accept confirmations for offers that give no items")
	flag.BoolVar(&a.declineReceived, "decline-received", false, "decline all active received offers and exit")
	flag.Parse()
	return a
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := config.LoadEnv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed := parseArgs()

	cfg, err := config.Load(parsed.configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if parsed.maFilePath != "" {
		cfg.MaFilePath = parsed.maFilePath
	}
	if parsed.reviewAddr != "" {
		cfg.ReviewAddr = parsed.reviewAddr
	}
	if parsed.eventLogPath != "" {
		cfg.EventLogPath = parsed.eventLogPath
	}
	if parsed.autoAcceptFree {
		cfg.AutoAcceptGiveNothing = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	auth, err := loadAuth(cfg)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	log.Printf("Authenticator: %s (steamid=%d)", auth.AccountName, auth.SteamID)

	runStartedAt := time.Now()
	elog, closeLog := setupEventLog(cfg.EventLogPath, runStartedAt)
	defer closeLog()

	sess, err := session.New(cfg.CommunityURL, cfg.AccountName, cfg.Password, auth, retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffMin:  cfg.BackoffMin,
		BackoffMax:  cfg.BackoffMax,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	if err := sess.Login(ctx); err != nil {
		log.Fatalf("[fatal] login: %v", err)
	}
	log.Printf("Logged in as %s (steamid=%s)", cfg.AccountName, sess.SteamID())

	poller := confirm.NewPoller(sess, auth.IdentitySecret, confirm.Options{
		MinSpacing: config.MinPollInterval,
	})

	engine := trade.NewEngine(sess, poller, policyFor(cfg), elog, trade.Options{
		OfferDeadline: cfg.OfferDeadline,
		WebAPIURL:     cfg.WebAPIURL,
		APIKey:        cfg.APIKey,
	})

	if parsed.declineReceived {
		n, err := engine.DeclineReceived(ctx)
		if err != nil {
			log.Fatalf("[fatal] decline received: %v", err)
		}
		log.Printf("Declined %d received offer(s)", n)
		return
	}

	if ckpt, ok, err := state.Load(parsed.checkpointFile); err != nil {
		log.Fatalf("[fatal] %v", err)
	} else if ok && ckpt.AccountName == cfg.AccountName {
		for _, v := range ckpt.Unfinished() {
			log.Printf("[warn] offer %s (id=%d) was %s at last shutdown; check it manually", v.RequestID, v.OfferID, v.State)
		}
	}

	log.Printf("Poll interval: %s", cfg.PollInterval)
	log.Printf("Offer deadline: %s", cfg.OfferDeadline)
	log.Printf("Auto-accept give-nothing: %v", cfg.AutoAcceptGiveNothing)
	if cfg.APIKey == "" {
		log.Printf("[warn] no web api key: accepted offers will not be finalized against IEconService")
	}

	go poller.Run(ctx, cfg.PollInterval)
	go engine.Run(ctx)
	go checkpointLoop(ctx, parsed.checkpointFile, cfg.AccountName, engine)

	var reviewSrv *http.Server
	if cfg.ReviewAddr != "" {
		reviewSrv = &http.Server{
			Addr:    cfg.ReviewAddr,
			Handler: review.NewServer(engine, poller).Router(),
		}
		log.Printf("Review API: http://%s", cfg.ReviewAddr)
		go func() {
			if err := reviewSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[warn] review api: %v", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if reviewSrv != nil {
		reviewSrv.Shutdown(shutdownCtx)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("[warn] engine shutdown: %v", err)
	}
	saveCheckpoint(parsed.checkpointFile, cfg.AccountName, engine)
}

func loadAuth(cfg config.Config) (*secrets.MobileAuth, error) {
	if cfg.VaultPassphrase != "" {
		return secrets.LoadEncrypted(cfg.MaFilePath, cfg.VaultPassphrase)
	}
	return secrets.Load(cfg.MaFilePath)
}

// policyFor builds the confirmation policy from config. Everything not
// explicitly auto-accepted is deferred for the operator.
func policyFor(cfg config.Config) trade.Policy {
	return func(c confirm.Confirmation, offer trade.View) trade.Decision {
		if cfg.AutoAcceptGiveNothing && offer.GiveCount == 0 {
			return trade.Accept
		}
		return trade.Defer
	}
}

func checkpointLoop(ctx context.Context, path, account string, engine *trade.Engine) {
	if path == "" {
		return
	}
	t := time.NewTicker(checkpointInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			saveCheckpoint(path, account, engine)
		}
	}
}

func saveCheckpoint(path, account string, engine *trade.Engine) {
	err := state.Save(path, state.Checkpoint{
		AccountName: account,
		SavedAt:     time.Now().UTC(),
		Offers:      engine.Offers(),
	})
	if err != nil {
		log.Printf("[warn] save checkpoint: %v", err)
	}
}
