package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/config"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	"github.com/DKeken/axion-stack-sub001/internal/common/db"
	"github.com/DKeken/axion-stack-sub001/internal/common/db/migrate"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	"github.com/DKeken/axion-stack-sub001/internal/common/resilience"
	userrepo "github.com/DKeken/axion-stack-sub001/internal/user/repository"
)

const readinessProbeID = "00000000-0000-0000-0000-000000000000"

// AuthApp holds the infrastructure shared by the auth entrypoints.
type AuthApp struct {
	Log    *logger.Logger
	Config config.AuthConfig
	// Pool is nil when running without a database.
	Pool  *pgxpool.Pool
	Users userrepo.Repository
	// Tokens is the configured backend behind a circuit breaker.
	Tokens    authrepo.TokenStore
	Readiness map[string]commonhttp.ReadinessCheck

	closers []func()
}

func NewAuthApp(ctx context.Context) (*AuthApp, error) {
	log, err := initializeLogger("auth")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.LoadAuthConfig()
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return nil, err
	}

	app := &AuthApp{
		Log:       log,
		Config:    cfg,
		Readiness: make(map[string]commonhttp.ReadinessCheck),
	}

	if err := app.initDatabase(ctx); err != nil {
		app.Close()
		return nil, err
	}

	store, err := app.openTokenStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Threshold:  cfg.Resilience.CircuitBreakerThreshold,
		Timeout:    cfg.Store.CallTimeout,
		ResetAfter: cfg.Resilience.CircuitBreakerReset,
		Name:       "token_store_" + cfg.Store.Backend,
		Expected:   authrepo.IsExpected,
		Logger:     log,
	})
	app.Tokens = service.NewGuardedStore(store, breaker)
	app.Readiness["token_store"] = tokenStoreCheck(app.Tokens)

	log.Infof("auth infrastructure ready: token_store=%s database=%t", cfg.Store.Backend, app.Pool != nil)
	return app, nil
}

// Close releases connections in reverse order of acquisition.
func (a *AuthApp) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *AuthApp) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *AuthApp) initDatabase(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Log.Warn("DATABASE_URL not set: users are kept in memory")
		a.Users = userrepo.NewMemoryRepository()
		return nil
	}

	if a.Config.MigrateOnStart {
		if err := migrate.Run(a.Config.DatabaseURL, migrate.DirectionUp); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		a.Log.Info("database migrations applied")
	}

	pool, err := db.NewPool(ctx, a.Log, a.Config.DatabaseURL)
	if err != nil {
		return err
	}
	a.onClose(pool.Close)

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	a.onClose(stopMetrics)
	db.StartPoolMetrics(metricsCtx, pool, constants.DBPoolMetricsInterval)

	a.Pool = pool
	a.Users = userrepo.NewPgRepository(pool)
	a.Readiness["postgres"] = pool.Ping
	return nil
}

func (a *AuthApp) openTokenStore(ctx context.Context) (authrepo.TokenStore, error) {
	cfg := a.Config.Store

	switch cfg.Backend {
	case config.StorePostgres:
		return authrepo.NewPgTokenStore(a.Pool, a.Log), nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.onClose(func() {
			if err := client.Close(); err != nil {
				a.Log.Warnf("failed to close redis client: %v", err)
			}
		})

		pingCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		a.Log.Infof("redis token store connected: addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
		a.Readiness["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		return authrepo.NewRedisTokenStore(client, cfg.RedisKeyPrefix), nil

	case config.StoreDynamoDB:
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.DynamoDBCreate {
			if err := authrepo.EnsureTable(ctx, client, cfg.DynamoDBTable); err != nil {
				return nil, err
			}
		}
		a.Log.Infof("dynamodb token store configured: table=%s region=%s", cfg.DynamoDBTable, cfg.AWSRegion)
		return authrepo.NewDynamoTokenStore(client, cfg.DynamoDBTable), nil

	case config.StoreMemory:
		a.Log.Warn("using in-memory token store: sessions do not survive restarts")
		return authrepo.NewMemoryTokenStore(), nil
	}

	return nil, fmt.Errorf("unknown token store %q", cfg.Backend)
}

func newDynamoClient(ctx context.Context, cfg config.StoreConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.DynamoDBEndpoint != "" {
		endpoint := cfg.DynamoDBEndpoint
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			},
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// tokenStoreCheck reads a session id that never exists. A not-found answer
// means the backend is reachable.
func tokenStoreCheck(store authrepo.TokenStore) commonhttp.ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := store.GetSession(ctx, readinessProbeID)
		if err == nil || errors.Is(err, authrepo.ErrSessionNotFound) {
			return nil
		}
		return err
	}
}

func initializeLogger(serviceName string) (*logger.Logger, error) {
	return logger.New(os.Getenv("LOG_DIR"), serviceName, os.Getenv("LOG_LEVEL"))
}
