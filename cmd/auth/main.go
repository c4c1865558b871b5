package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	authcleanup "github.com/DKeken/axion-stack-sub001/internal/auth/cleanup"
	authhttp "github.com/DKeken/axion-stack-sub001/internal/auth/http"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/bootstrap"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	srv "github.com/DKeken/axion-stack-sub001/internal/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.NewAuthApp(ctx)
	if err != nil {
		os.Stderr.WriteString(fmt.Sprintf("failed to start auth service: %v\n", err))
		os.Exit(1)
	}
	defer app.Close()

	log := app.Log
	cfg := app.Config
	clk := clock.NewRealClock()
	ids := commoncrypto.NewUUIDGenerator()

	codec := service.NewTokenCodec(cfg.Tokens.JWTSecret, cfg.Tokens.Issuer, cfg.Tokens.AccessTokenTTL, cfg.Tokens.ExpiryLeeway, clk)
	binder := service.NewFingerprintBinder(cfg.Tokens.FingerprintPepper)
	sessions := service.NewSessionManager(app.Tokens, binder, ids, clk, log)
	issuer := service.NewTokenIssuer(app.Tokens, sessions, codec, ids, cfg.Tokens.RefreshTokenTTL, clk, log)
	engine := service.NewRotationEngine(
		app.Tokens,
		codec,
		binder,
		issuer,
		sessions,
		cfg.Tokens.ExpiryLeeway,
		service.MismatchPolicy(strings.ToLower(cfg.Tokens.FingerprintMismatchPolicy)),
		clk,
		log,
	)
	authService := service.NewAuthService(
		app.Users,
		commoncrypto.NewBcryptHasher(bcrypt.DefaultCost),
		ids,
		codec,
		issuer,
		engine,
		sessions,
		clk,
		log,
	)

	cleaner := authcleanup.NewCleaner(app.Tokens, cfg.Cleanup.Interval, cfg.Cleanup.Retention, clk, log)
	go cleaner.Start(ctx)

	rateLimiter := commonhttp.NewStrictRateLimiter()
	router := authhttp.NewRouter(authService, authhttp.Options{
		Logger:        log,
		Timeout:       cfg.RequestTimeout,
		CookieSecure:  cfg.CookieSecure,
		Verifier:      codec.Verifier(),
		RateLimiter:   rateLimiter,
		Readiness:     app.Readiness,
		ExposeMetrics: cfg.ExposeMetrics,
	})

	server := srv.NewServer(srv.DefaultServerConfig(cfg.HTTPPort), commonhttp.BuildBaseHandler(log, router))

	shutdownHooks := []srv.ShutdownHook{
		func(ctx context.Context) error {
			log.Info("auth service: stopping cleanup and rate limiter")
			cancel()
			rateLimiter.Stop()
			return nil
		},
	}

	srv.StartWithGracefulShutdownAndHooks(server, log, "auth", shutdownHooks)
}
