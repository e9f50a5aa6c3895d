package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/internal/ingest"
	"github.com/ASDEAhardware/bfg-sub000/internal/mqtt"
	"github.com/ASDEAhardware/bfg-sub000/internal/push"
	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/internal/supervisor"
	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

const metricsNamespace = "bfg_sub000"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion service",
	Long: `Run the ingestion service that:
- Maintains one MQTT session per enabled site connection
- Discovers gateways, dataloggers and sensors from telemetry
- Sweeps the inventory for silent devices and records downtime
- Pushes state changes to dashboard clients over a websocket channel`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "bfg", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serveCmd.Flags().String("listen-addr", ":8080", "push/metrics HTTP listen address")

	_ = viper.BindPFlag("serve.db.host", serveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("serve.db.port", serveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("serve.db.user", serveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("serve.db.password", serveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("serve.db.name", serveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("serve.db.sslmode", serveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("serve.listen_addr", serveCmd.Flags().Lookup("listen-addr"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting ingestion service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	db, err := store.NewDB(&store.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("serve.db.host"),
		Port:     viper.GetInt("serve.db.port"),
		User:     viper.GetString("serve.db.user"),
		Password: viper.GetString("serve.db.password"),
		DBName:   viper.GetString("serve.db.name"),
		SSLMode:  viper.GetString("serve.db.sslmode"),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if err := store.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	repo, err := store.NewRepository(db)
	if err != nil {
		return err
	}

	mqttMetrics := metrics.NewMQTTMetrics(metricsNamespace)
	ingestMetrics := metrics.NewIngestMetrics(metricsNamespace)
	sweepMetrics := metrics.NewSweepMetrics(metricsNamespace)
	pushMetrics := metrics.NewPushMetrics(metricsNamespace)

	hub := broadcast.NewHub(logger, pushMetrics)
	defer hub.Close()

	processor, err := ingest.NewProcessor(&ingest.ProcessorConfig{
		Logger:     logger,
		Repository: repo,
		Bus:        hub,
		Metrics:    ingestMetrics,
	})
	if err != nil {
		return err
	}

	sweeper, err := supervisor.NewSweeper(&supervisor.SweeperConfig{
		Logger:     logger,
		Repository: repo,
		Bus:        hub,
		Metrics:    sweepMetrics,
	})
	if err != nil {
		return err
	}

	instanceID := mqtt.InstanceID()
	logger.Info("instance identity", "instance_id", instanceID)

	sup, err := supervisor.New(&supervisor.SupervisorConfig{
		Logger:     logger,
		Repository: repo,
		Sweeper:    sweeper,
		NewSession: func(row store.ConnectionConfig) (supervisor.Session, error) {
			return mqtt.NewConnection(&mqtt.ConnectionConfig{
				Logger:     logger,
				Repository: repo,
				Handler:    processor,
				Metrics:    mqttMetrics,
				Row:        row,
				InstanceID: instanceID,
			})
		},
	})
	if err != nil {
		return err
	}

	pushServer, err := push.NewServer(&push.ServerConfig{
		Logger: logger,
		Hub:    hub,
		Addr:   viper.GetString("serve.listen_addr"),
	})
	if err != nil {
		return err
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- pushServer.Start()
	}()
	go func() {
		errChan <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil {
			logger.Error("component failed", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), push.ShutdownTimeout)
	defer shutdownCancel()
	if err := pushServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("push server shutdown failed", "error", err)
	}

	logger.Info("ingestion service stopped")
	return nil
}
