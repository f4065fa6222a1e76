// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// saga-server is the saga coordinator: the durable source of truth for
// global and branch transactions of distributed sagas.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/zoowii/sagas-go/internal/sagaserver/config"
	"github.com/zoowii/sagas-go/internal/sagaserver/repository"
	"github.com/zoowii/sagas-go/internal/sagaserver/server"
	"github.com/zoowii/sagas-go/internal/sagaserver/service"
	"github.com/zoowii/sagas-go/pkg/logger"
)

func main() {
	var configPath string
	var development bool

	rootCmd := &cobra.Command{
		Use:   "saga-server",
		Short: "Saga transaction coordinator",
		Long: "saga-server coordinates distributed saga transactions: it tracks global and branch " +
			"transaction state with optimistic version checks and drives compensation bookkeeping.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, development)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "directory containing saga-server.yaml")
	rootCmd.Flags().BoolVar(&development, "dev", false, "enable development logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, development bool) error {
	logger.InitLogger(development)
	defer func() { _ = logger.GetLogger().Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	repo, err := buildRepository(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.NewServer(service.NewSagaService(repo), registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(":" + cfg.Server.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.GetLogger().Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildRepository(cfg *config.Config) (repository.SagaRepository, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.GetLogger().Warn("using in-memory repository, transactions will not survive a restart")
		return repository.NewMemorySagaRepository(), nil
	case config.DriverMySQL:
		db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		if err := repository.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repository.NewGormSagaRepository(db), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
