package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"strikeclash/internal/config"
	"strikeclash/internal/engine"
	"strikeclash/internal/fraud"
	"strikeclash/internal/journal"
	"strikeclash/internal/server"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

var CLI struct {
	Config   string `short:"c" default:"strikeclash.hcl" help:"Path to HCL configuration file"`
	Addr     string `short:"a" help:"Listen address (overrides config)"`
	LogLevel string `short:"l" help:"Log level (overrides config)"`
}

func main() {
	ctx := kong.Parse(&CLI)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		ctx.Exit(1)
	}
	if CLI.LogLevel != "" {
		cfg.Server.LogLevel = CLI.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		ctx.Exit(1)
	}

	logger := log.New(os.Stderr)
	switch cfg.Server.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	var jnl journal.Journal
	switch cfg.Journal.Backend {
	case "redis":
		redisJournal, err := journal.NewRedis(context.Background(),
			cfg.Journal.RedisAddress, cfg.Journal.RedisPassword, cfg.Journal.RedisDB)
		if err != nil {
			logger.Error("Failed to connect journal to redis", "addr", cfg.Journal.RedisAddress, "error", err)
			ctx.Exit(1)
		}
		jnl = redisJournal
		logger.Info("Journal backed by redis", "addr", cfg.Journal.RedisAddress)
	default:
		jnl = journal.NewMemory()
		logger.Warn("Journal held in memory, match history is lost on restart")
	}

	var alerts fraud.Publisher = fraud.NopPublisher{}
	if cfg.Alerts.Backend == "kafka" {
		kafka, err := fraud.NewKafkaPublisher(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			logger.Error("Failed to connect alert producer", "brokers", cfg.Alerts.KafkaBrokers, "error", err)
			ctx.Exit(1)
		}
		defer func() { _ = kafka.Close() }()
		alerts = kafka
		logger.Info("Fraud alerts published to kafka", "topic", cfg.Alerts.KafkaTopic)
	}

	ledger := wallet.NewLedger()
	settler := settle.New(ledger, jnl, quartz.NewReal(), logger, 0)
	eng := engine.New(ledger, jnl, settler, logger,
		engine.WithModes(cfg.ModeRules()),
		engine.WithFraudConfig(cfg.FraudConfig()),
		engine.WithAlertPublisher(alerts),
	)

	addr := cfg.GetServerAddress()
	if CLI.Addr != "" {
		addr = CLI.Addr
	}
	wsServer := server.NewServer(addr, eng, ledger, cfg.Wallet.OpeningBalance, logger)

	logger.Info("Starting strikeclash server",
		"addr", addr,
		"modes", len(cfg.Modes),
		"journal", cfg.Journal.Backend,
		"alerts", cfg.Alerts.Backend)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("Shutting down server...")
		_ = wsServer.Stop()
		eng.Close()
		settler.Close()
		os.Exit(0)
	}()

	if err := wsServer.Start(); err != nil {
		logger.Error("Server failed", "error", err)
		ctx.Exit(1)
	}
}
