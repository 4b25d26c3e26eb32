package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/callplane/internal/app"
	"github.com/sebas/callplane/internal/banner"
	"github.com/sebas/callplane/internal/config"
	"github.com/sebas/callplane/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.InitLogger("info", os.Stderr)
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(cfg.LogLevel, os.Stdout)

	// Create control plane
	plane, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create callplane", "error", err)
		os.Exit(1)
	}

	if err := run(plane, cfg); err != nil {
		slog.Error("Callplane stopped with error", "error", err)
		_ = plane.Close()
		os.Exit(1)
	}
	if err := plane.Close(); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
}

func run(plane *app.Callplane, cfg *config.Config) error {
	_ = banner.Write(os.Stdout, "CALLPLANE", []banner.ConfigLine{
		{Label: "AMI", Value: cfg.AMI.URL},
		{Label: "SIP listen", Value: cfg.SIP.Transport + " " + cfg.SIPListenAddr()},
		{Label: "Advertise", Value: cfg.SIP.AdvertiseAddr},
		{Label: "Registrar", Value: cfg.SIP.Registrar},
		{Label: "API", Value: cfg.API.Addr},
		{Label: "Config", Value: cfg.ConfigPath},
		{Label: "Log level", Value: cfg.LogLevel},
	})
	logNetworkInterfaces()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := plane.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("Received signal, shutting down")
	}
	return err
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
