package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"msgsync/internal/app"
	"msgsync/pkg/config"
	"msgsync/pkg/logger"
)

func main() {
	// .env is optional; real env vars win over it
	_ = godotenv.Load()

	addrFlag, cacheFlag, cfgFlag, setFlags := config.ParseCommandFlags()
	cfgPath := config.ResolveConfigPath(cfgFlag, setFlags["config"])
	eff, err := config.LoadEffective(cfgPath, addrFlag, cacheFlag, setFlags)
	if err != nil {
		logger.Init("info")
		logger.Error("config_load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Init(eff.Config.Logging.Level)

	a, err := app.New(eff)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("run_failed", "error", err)
		os.Exit(1)
	}
}
