package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/pkg/runtime"
)

func main() {
	// .env carries GEMINI_API_KEY in local setups; absence is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to conf.yaml (optional)")
	flag.Parse()

	server, err := runtime.New(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to start gateway", zap.Error(err))
	}
	logger := server.Logger()
	defer logger.Sync()

	go func() {
		if err := server.Run(); err != nil {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown failed", zap.Error(err))
	}
}
