package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gyroaim/internal/config"
	"gyroaim/internal/web"
)

func main() {
	var configPath string
	var logLines int
	flag.StringVar(&configPath, "config", "./gyroaim.yaml", "Path to YAML config")
	flag.IntVar(&logLines, "log-lines", 2000, "Log lines kept for /api/logs")
	flag.Parse()

	logs := web.NewLogBuffer(logLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("gyroaim starting")
	log.Printf("source=%s gyro_mode=%s frame_rate_hz=%d", cfg.Source.Kind, cfg.Aim.Mode, cfg.Aim.FrameRateHz)

	rt, err := newRuntime(ctx, cfg, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	rt.Run(ctx)
	log.Printf("gyroaim stopping")
}
