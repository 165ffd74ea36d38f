package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/inaiurai/creditcore/internal/config"
	"github.com/inaiurai/creditcore/internal/database"
	"github.com/inaiurai/creditcore/internal/logger"
)

func main() {
	configFlag := flag.String("config", "", "config file (default $CREDITCORE_CONFIG or ./config.yaml)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config path] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, up-by-one, up-to VERSION, down, down-to VERSION, redo, reset, status, version")
	}
	flag.Parse()
	log := logger.NewDefault()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.ResolvePath(*configFlag))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		log.Error("database url is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := database.Migrate(ctx, cfg.Database.URL, args[0], log, args[1:]...); err != nil {
		log.Error("migration failed", "command", args[0], "error", err)
		os.Exit(1)
	}
	log.Info("migration finished", "command", args[0])
}
