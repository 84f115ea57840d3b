package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/eduhub/eduhub/internal/config"
	"github.com/eduhub/eduhub/internal/handlers"
	"github.com/eduhub/eduhub/internal/mail"
	"github.com/eduhub/eduhub/internal/middleware"
	"github.com/eduhub/eduhub/internal/repository"
	"github.com/eduhub/eduhub/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	store, closeStore, err := initStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize OTP store")
	}
	defer closeStore()

	// A nil dispatcher makes issuance answer MAIL_NOT_CONFIGURED.
	var dispatcher service.CodeDispatcher
	var mailDispatcher *mail.Dispatcher
	sender, err := mail.NewSender(&cfg.Mail)
	switch {
	case errors.Is(err, mail.ErrNotConfigured):
		logger.Warn("No mail transport configured, verification codes cannot be sent")
	case err != nil:
		logger.WithError(err).Fatal("Failed to initialize mail transport")
	default:
		mailDispatcher = mail.NewDispatcher(sender, cfg.Mail.QueueSize, cfg.Mail.Workers, cfg.Mail.SendTimeout, logger)
		dispatcher = mailDispatcher
		logger.WithField("provider", sender.Provider()).Info("Mail transport initialized")
	}

	var tokenService *service.VerificationTokenService
	if cfg.VerificationToken.Enabled() {
		tokenService, err = service.NewVerificationTokenService(&cfg.VerificationToken, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize verification token service")
		}
	}

	otpService := service.NewOTPService(store, dispatcher, &cfg.OTP, logger)
	otpHandlers := handlers.NewOTPHandlers(otpService, tokenService, mail.ResolveStatus(&cfg.Mail), logger)
	authMiddleware := middleware.NewAuthMiddleware(tokenService, logger)
	router := handlers.NewRouter(otpHandlers, authMiddleware, cfg.Server.CORSOrigins, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Server.Port,
			"store": cfg.Store.Backend,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if mailDispatcher != nil {
		if err := mailDispatcher.Close(ctx); err != nil {
			logger.WithError(err).Warn("Mail queue not fully drained")
		}
	}

	logger.Info("Server exited")
}

func initStore(cfg *config.Config, logger *logrus.Logger) (repository.OTPStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := initRedis(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Redis client initialized")
		store := repository.NewRedisOTPRepository(client, cfg.Redis.KeyPrefix, cfg.OTP.Retention, logger)
		return store, func() { client.Close() }, nil

	case config.StorePostgres:
		pool, err := initPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewPostgresOTPRepository(pool, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Postgres pool initialized")
		return store, pool.Close, nil

	case config.StoreMemory:
		logger.Warn("Using in-memory OTP store, records are lost on restart")
		return repository.NewMemoryOTPRepository(), func() {}, nil

	default:
		client, err := initDynamoDB(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewOTPRepository(client, cfg.DynamoDB.TableName, cfg.OTP.Retention, logger)
		return store, func() {}, nil
	}
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func initPostgres(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_DSN: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return pool, nil
}
