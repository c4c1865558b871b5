// refresh-agent keeps a session alive against a remote auth service and
// writes each rotated refresh token back to disk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/DKeken/axion-stack-sub001/internal/auth/client"
	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

type agentConfig struct {
	BaseURL     string        `env:"AUTH_BASE_URL" env-default:"http://localhost:8081"`
	TokenFile   string        `env:"REFRESH_TOKEN_FILE" env-required:"true"`
	Fingerprint string        `env:"DEVICE_FINGERPRINT" env-required:"true"`
	Timeout     time.Duration `env:"AGENT_HTTP_TIMEOUT" env-default:"10s"`
}

func main() {
	log, err := logger.New(os.Getenv("LOG_DIR"), "refresh-agent", os.Getenv("LOG_LEVEL"))
	if err != nil {
		os.Stderr.WriteString(fmt.Sprintf("failed to initialize logger: %v\n", err))
		os.Exit(1)
	}

	var cfg agentConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		log.Fatalf("failed to read refresh token: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	refresher := client.NewHTTPRefresher(cfg.BaseURL, nil, nil)
	scheduler := client.NewScheduler(refresher, client.Options{
		Fingerprint: cfg.Fingerprint,
		CallTimeout: cfg.Timeout,
		Logger:      log,
		OnRefreshed: func(c client.Credentials) {
			if err := os.WriteFile(cfg.TokenFile, []byte(c.RefreshToken), 0o600); err != nil {
				log.Errorf("failed to persist refresh token: %v", err)
				return
			}
			log.Infof("session %s renewed, access token valid until %s", c.SessionID, c.AccessExpiresAt.Format(time.RFC3339))
		},
		OnAuthLost: func(err error) {
			log.Errorf("session lost, login required: %v", err)
			cancel()
		},
	})
	defer scheduler.Stop()

	// Without a known access expiry the first rotation is due immediately.
	scheduler.SetCredentials(domain.TokenPair{RefreshToken: strings.TrimSpace(string(raw))})
	firstRefresh(ctx, scheduler)

	<-ctx.Done()
	log.Info("refresh agent stopped")
}

// firstRefresh retries until the initial rotation succeeds, the credentials
// are dropped or ctx ends. Later rotations are driven by the scheduler timer.
func firstRefresh(ctx context.Context, scheduler *client.Scheduler) {
	for {
		creds, ok := scheduler.Credentials()
		if !ok || !creds.AccessExpiresAt.IsZero() {
			return
		}
		if _, err := scheduler.RefreshNow(ctx); err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(constants.ClientRefreshRetryDelay):
		}
	}
}
