package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ASDEAhardware/bfg-sub000/pkg/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic gateway telemetry",
	Long: `Publish synthetic gateway, datalogger and sensor messages against a broker,
on the same topic shapes the ingestion service subscribes to.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("broker-url", "tcp://localhost:1883", "MQTT broker URL")
	simulateCmd.Flags().String("site-code", "site_001", "site code used as topic root")
	simulateCmd.Flags().Int("gateway-n", 1, "gateway number in the topic")
	simulateCmd.Flags().Int("dataloggers", 2, "number of simulated dataloggers")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "telemetry publish interval")

	_ = viper.BindPFlag("simulate.broker_url", simulateCmd.Flags().Lookup("broker-url"))
	_ = viper.BindPFlag("simulate.site_code", simulateCmd.Flags().Lookup("site-code"))
	_ = viper.BindPFlag("simulate.gateway_n", simulateCmd.Flags().Lookup("gateway-n"))
	_ = viper.BindPFlag("simulate.dataloggers", simulateCmd.Flags().Lookup("dataloggers"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	sim, err := simulator.New(&simulator.Config{
		Logger:      logger,
		BrokerURL:   viper.GetString("simulate.broker_url"),
		SiteCode:    viper.GetString("simulate.site_code"),
		GatewayN:    viper.GetInt("simulate.gateway_n"),
		Dataloggers: viper.GetInt("simulate.dataloggers"),
		Interval:    viper.GetDuration("simulate.interval"),
	})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		cancel()
	}()

	return sim.Run(ctx)
}
