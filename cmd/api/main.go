package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/promptreel/creditflow/internal/aws"
	"github.com/promptreel/creditflow/internal/coalesce"
	"github.com/promptreel/creditflow/internal/config"
	"github.com/promptreel/creditflow/internal/handlers"
	"github.com/promptreel/creditflow/internal/ledger"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/provider"
	"github.com/promptreel/creditflow/internal/reconcile"
	"github.com/promptreel/creditflow/internal/refundq"
	"github.com/promptreel/creditflow/internal/sweeper"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func main() {
	ctx := context.Background()

	appCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	ledgerStore := ledger.NewStore(clients.DynamoDB, appCfg.LedgerTable, appCfg.BootstrapCredits)
	failureStore := refundq.NewStore(clients.DynamoDB, appCfg.RefundFailuresTable)
	recorder := metrics.NewCloudWatch(clients.CloudWatch)
	coalescer := coalesce.New(appCfg.CoalesceReplayWindow)

	handlerCfg := handlers.HandlerConfig{
		Ledger:    ledgerStore,
		Failures:  failureStore,
		Provider:  provider.NewHTTPProvider(appCfg.ProviderURL),
		Coalescer: coalescer,
		Recorder:  recorder,
	}

	// if environment variable RUN_LOCAL is set to "true", run a local HTTP server
	// with the background workers in-process (single logical process).
	if os.Getenv("RUN_LOCAL") == "true" {
		publisher := aws.NewPublisher(clients.SQS, appCfg.AlertsQueueURL)
		swp := sweeper.New(failureStore, ledgerStore, recorder, publisher, appCfg.Sweeper)
		rec := reconcile.NewWorker(reconcile.NewHTTPService(appCfg.Reconcile.ServiceURL), recorder, appCfg.Reconcile)
		swp.Start()
		rec.Start()
		defer swp.Stop()
		defer rec.Stop()

		handlerCfg.Sweeper = swp
		handlerCfg.Reconciler = rec

		r := setupRouter(handlerCfg)

		addr := ":8080"
		srv := &http.Server{Addr: addr, Handler: r}
		go func() {
			log.Printf("running local server on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to run local server: %v", err)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		log.Printf("shutting down")
		_ = srv.Shutdown(ctx)
		return
	}

	// lambda adapter; workers run in the dedicated worker deployment
	r := setupRouter(handlerCfg)
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
