// Package pushdispatch assembles the push dispatch service: ingestion
// pipeline, delivery queue, tracker and HTTP surface.
package pushdispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"golang.org/x/time/rate"

	"github.com/memberhub/go-push-dispatch/internal/api"
	"github.com/memberhub/go-push-dispatch/internal/classify"
	"github.com/memberhub/go-push-dispatch/internal/ingest"
	"github.com/memberhub/go-push-dispatch/internal/pipeline"
	"github.com/memberhub/go-push-dispatch/internal/queue"
	"github.com/memberhub/go-push-dispatch/internal/tracker"
	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
	"github.com/memberhub/go-push-dispatch/pushdispatch/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[notification.NotificationEvent]
	deliveryQueue   *queue.Queue
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	gateway dispatch.Gateway,
	deviceStore dispatch.DeviceStore,
	roster dispatch.RosterResolver,
	statusSink dispatch.StatusSink,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Delivery core: tracker feeds registry revocation and the status
	// sink; the queue owns jobs and drains them through the gateway.
	deliveryTracker := tracker.New(deviceStore, statusSink, logger)
	deliveryQueue := queue.New(queueConfig(cfg.Queue), gateway, deliveryTracker, logger)

	// 3. Ingestion: classifier + fan-out, shared by HTTP and Pub/Sub.
	classifier := classify.New(deviceStore, roster, logger)
	ingestor := ingest.New(classifier, deliveryQueue, logger)

	// 4. Pipeline
	processor := pipeline.NewProcessor(ingestor, logger)
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.NotificationEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 5. APIs
	eventAPI := api.NewEventAPI(ingestor, logger)
	deviceAPI := api.NewDeviceAPI(deviceStore, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Event ingestion and tracking
	handle("POST /api/v1/events", eventAPI.SubmitEvent)
	handle("DELETE /api/v1/events/{eventID}", eventAPI.CancelEvent)
	handle("GET /api/v1/events/{eventID}/status", eventAPI.EventStatus)

	// 2. Device registration
	handle("POST /api/v1/devices/register", deviceAPI.RegisterDevice)
	handle("POST /api/v1/devices/unregister", deviceAPI.UnregisterDevice)

	// 3. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		deliveryQueue:   deliveryQueue,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Delivery queue starting...")
	w.deliveryQueue.Start(ctx)

	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	w.deliveryQueue.Stop()
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

func queueConfig(qc config.QueueConfig) queue.Config {
	return queue.Config{
		BaseDelay:     time.Duration(qc.BaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(qc.MaxDelayMs) * time.Millisecond,
		MaxAttempts:   qc.MaxAttempts,
		NumWorkers:    qc.NumWorkers,
		RatePerDevice: rate.Limit(qc.RatePerDevice),
		RateBurst:     qc.RateBurst,
		Retention:     time.Duration(qc.RetentionMinutes) * time.Minute,
	}
}
