package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/promptreel/creditflow/internal/aws"
	"github.com/promptreel/creditflow/internal/config"
	"github.com/promptreel/creditflow/internal/ledger"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/reconcile"
	"github.com/promptreel/creditflow/internal/refundq"
	"github.com/promptreel/creditflow/internal/sweeper"
)

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

	recorder := metrics.NewCloudWatch(clients.CloudWatch)
	service := reconcile.NewHTTPService(appCfg.Reconcile.ServiceURL)

	// RUN_LOCAL=true: long-running daemon driving the sweeper and the
	// reconciliation loops until SIGINT/SIGTERM.
	if os.Getenv("RUN_LOCAL") == "true" {
		ledgerStore := ledger.NewStore(clients.DynamoDB, appCfg.LedgerTable, appCfg.BootstrapCredits)
		failureStore := refundq.NewStore(clients.DynamoDB, appCfg.RefundFailuresTable)
		publisher := aws.NewPublisher(clients.SQS, appCfg.AlertsQueueURL)

		swp := sweeper.New(failureStore, ledgerStore, recorder, publisher, appCfg.Sweeper)
		rec := reconcile.NewWorker(service, recorder, appCfg.Reconcile)
		swp.Start()
		rec.Start()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		log.Printf("shutting down workers")
		swp.Stop()
		rec.Stop()
		return
	}

	// Lambda mode: consume payment-provider events from SQS.
	processor := NewProcessor(service, recorder)
	lambda.Start(processor.Handle)
}
