/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command tcc-recovery drives stuck TCC transactions of one repository to
// completion and serves an admin API to inspect them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/internal/config"
)

var configPath = flag.String("config", "tcc-recovery.yaml", "Path to the configuration file")

func main() {
	flag.Parse()
	log := logger.NewLogger("tcc-recovery")

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.SetOutputLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, log, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	log.Infof("Recovering transactions of the %s repository", cfg.Repository.Type)

	if err := multierr.Combine(a.Run(ctx), a.Close()); err != nil {
		log.Errorf("Stopped with errors: %v", err)
		stop()
		os.Exit(1)
	}
}
