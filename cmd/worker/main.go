package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/app/bootstrap"
)

func main() {
	flags := pflag.NewFlagSet("m21-worker", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "configs/default.yaml", "path to the YAML config file")
	_ = flags.Parse(os.Args[1:])

	ctx := context.Background()
	runtime, err := bootstrap.NewRuntime(ctx, *configPath)
	if err != nil {
		log.Fatalf("bootstrap worker runtime: %v", err)
	}
	if err := runtime.RunWorker(ctx); err != nil {
		log.Fatalf("run worker: %v", err)
	}
}
