package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seamgate/seamgate/config"
	"github.com/seamgate/seamgate/config/loader"
	"github.com/seamgate/seamgate/logger"
)

var version = "dev"

var (
	cfgFile      string
	debug        bool
	dumpConfig   bool
	printVersion bool
)

func init() {
	flag.StringVar(&cfgFile, "C", "", "configuration file")
	flag.BoolVar(&debug, "D", false, "enable debug logging")
	flag.BoolVar(&dumpConfig, "O", false, "dump the parsed configuration and exit")
	flag.BoolVar(&printVersion, "V", false, "print version")
	flag.Parse()
}

func main() {
	if printVersion {
		fmt.Fprintf(os.Stdout, "seamgate %s\n", version)
		os.Exit(0)
	}

	cfg := &config.Config{}
	var err error
	if cfgFile != "" {
		err = cfg.ReadFile(cfgFile)
	} else {
		err = cfg.Load()
	}
	if err != nil {
		logger.Default().Fatalf("load config: %v", err)
	}
	if debug {
		if cfg.Log == nil {
			cfg.Log = &config.LogConfig{}
		}
		cfg.Log.Level = string(logger.DebugLevel)
	}
	config.Set(cfg)

	if dumpConfig {
		if err := cfg.Write(os.Stdout, "yaml"); err != nil {
			logger.Default().Fatal(err)
		}
		os.Exit(0)
	}

	rt, err := loader.Load(cfg)
	if err != nil {
		logger.Default().Fatalf("load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		logger.Default().Fatal(err)
	}
}
