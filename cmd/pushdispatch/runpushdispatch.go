package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/memberhub/go-push-dispatch/internal/gateway"
	"github.com/memberhub/go-push-dispatch/internal/gateway/apns"
	"github.com/memberhub/go-push-dispatch/internal/gateway/fcm"
	"github.com/memberhub/go-push-dispatch/internal/gateway/web"
	"github.com/memberhub/go-push-dispatch/internal/registry/cache"
	fsRegistry "github.com/memberhub/go-push-dispatch/internal/registry/firestore"
	"github.com/memberhub/go-push-dispatch/internal/roster"
	"github.com/memberhub/go-push-dispatch/internal/sink"
	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"

	"github.com/memberhub/go-push-dispatch/pushdispatch"
	"github.com/memberhub/go-push-dispatch/pushdispatch/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-dispatch")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Device Registry (Decorated) ---
	var deviceStore dispatch.DeviceStore = fsRegistry.NewDeviceStore(fsClient)
	logger.Info("Device registry initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		deviceStore = cache.NewCachedDeviceStore(deviceStore, redisClient, 24*time.Hour)
		logger.Info("Device registry upgraded", "type", "redis_cached_firestore")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Provider Gateways ---
	gatewayMux := gateway.NewMux(logger)

	// A. Android (FCM)
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		logger.Error("Failed to initialize Firebase App", "err", err)
		os.Exit(1)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		logger.Error("Failed to create FCM messaging client", "err", err)
		os.Exit(1)
	}
	gatewayMux.Register(notification.PlatformAndroid, fcm.NewGateway(fcmMessaging, logger))

	// B. iOS (APNS) - optional, enabled when credentials are present
	if cfg.Apns.P8KeyContent != "" {
		apnsGateway, err := apns.NewGateway(apns.Config{
			KeyID:        cfg.Apns.KeyID,
			TeamID:       cfg.Apns.TeamID,
			BundleID:     cfg.Apns.BundleID,
			P8KeyContent: cfg.Apns.P8KeyContent,
		}, logger)
		if err != nil {
			logger.Error("Failed to create APNS gateway", "err", err)
			os.Exit(1)
		}
		gatewayMux.Register(notification.PlatformIOS, apnsGateway)
	} else {
		logger.Warn("APNS credentials missing in configuration. iOS push disabled.")
	}

	// C. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web push disabled.")
	} else {
		logger.Info("Web gateway enabled", "public_key", cfg.Vapid.PublicKey)
		gatewayMux.Register(notification.PlatformWeb, web.NewGateway(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
		}, logger))
	}

	// --- Collaborators ---
	rosterURL := cfg.RosterURL
	if rosterURL == "" {
		rosterURL = identityURL
	}
	rosterClient := roster.NewClient(rosterURL, logger)

	var statusSink dispatch.StatusSink
	if cfg.StatusTopicID != "" {
		pubsubSink := sink.NewPubsubSink(psClient, cfg.StatusTopicID, logger)
		defer pubsubSink.Close()
		statusSink = pubsubSink
		logger.Info("Status sink initialized", "type", "pubsub", "topic", cfg.StatusTopicID)
	} else {
		statusSink = sink.NewLogSink(logger)
		logger.Info("Status sink initialized", "type", "log")
	}

	// --- Consumer & Service ---
	consumer, _ := newIngestionConsumer(ctx, cfg, psClient, logger)

	service, err := pushdispatch.New(
		cfg,
		consumer,
		gatewayMux,
		deviceStore,
		rosterClient,
		statusSink,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
