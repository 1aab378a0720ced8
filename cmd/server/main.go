package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/config"
	"github.com/suPer8Hu/portfolio-chat/internal/db"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/models"
	"github.com/suPer8Hu/portfolio-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb, append([]any{&models.User{}}, chat.Models()...)...); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rt := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rt.Close()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rt.Ping(pctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	cancel()

	prov := identity.NewProvider(gdb, rt, cfg.JWTSecret, cfg.JWTTTL)
	svc := chat.NewService(chat.NewRepo(gdb), rt, prov)

	// offline notifications are optional; chat works without the broker
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("[server] rabbit unavailable, message events disabled: %v", err)
		} else {
			defer pub.Close()
			svc.WithEvents(pub)
		}
	}

	var primary identity.Identity
	if cfg.PrimaryIdentityEmail != "" {
		var (
			p   identity.Identity
			err error
		)
		if cfg.PrimaryIdentityPassword != "" {
			p, err = prov.SeedPrimary(ctx, cfg.PrimaryIdentityEmail, cfg.PrimaryIdentityName, cfg.PrimaryIdentityPassword)
		} else {
			p, err = prov.ResolvePrimary(ctx, cfg.PrimaryIdentityEmail)
		}
		if err != nil {
			log.Printf("[server] no primary identity yet: %v", err)
		} else {
			primary = p
		}
	}

	h := handlers.NewHandler(cfg, prov, svc, rt, primary)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		// live sessions end with the process
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[server] listening on %s primary=%q", cfg.Addr, primary.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("[server] shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
