// Package main запускает HTTP-сервер сервиса SMM-панели.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/smm-panel-system/internal/config"
	"github.com/mmeshcher/smm-panel-system/internal/handler"
	"github.com/mmeshcher/smm-panel-system/internal/middleware"
	"github.com/mmeshcher/smm-panel-system/internal/model"
	"github.com/mmeshcher/smm-panel-system/internal/order"
	"github.com/mmeshcher/smm-panel-system/internal/provider"
	"github.com/mmeshcher/smm-panel-system/internal/repository"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	providerSvc := provider.NewService(repo, logger)
	orderSvc := order.NewService(repo, providerSvc, func(p *model.Provider) order.Client {
		return providerSvc.Client(p)
	}, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(providerSvc, orderSvc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый опрос статусов незавершённых заказов
	g.Go(func() error {
		orderSvc.StartStatusUpdates(ctx, cfg.OrderPollPeriod)
		return nil
	})

	// Фоновая автосинхронизация каталогов провайдеров
	g.Go(func() error {
		providerSvc.StartAutoSync(ctx, cfg.AutoSyncInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smm panel server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
