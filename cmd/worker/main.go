package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/config"
	"github.com/suPer8Hu/portfolio-chat/internal/db"
	"github.com/suPer8Hu/portfolio-chat/internal/email"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/notify"
	"github.com/suPer8Hu/portfolio-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

const maxAttempts = 5

// retryDelay backs off 5s, 10s, 20s... capped at 5m.
func retryDelay(attempt int) time.Duration {
	d := 5 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	rt := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rt.Close()

	prov := identity.NewProvider(gdb, rt, cfg.JWTSecret, cfg.JWTTTL)
	var mailer notify.Mailer
	smtp := email.SMTPConfig{Host: cfg.SMTPHost, Port: cfg.SMTPPort, User: cfg.SMTPUser, Pass: cfg.SMTPPass, From: cfg.SMTPFrom}
	if smtp.Enabled() {
		mailer = notify.SMTPMailer{Cfg: smtp}
	}
	handler := notify.NewHandler(chat.NewRepo(gdb), rt, prov, mailer, "")

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.Declare(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d mail=%t", cfg.RabbitQueue, concurrency, mailer != nil)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, handler, pub, d, workerID)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				stop()
				msgs = nil
				continue
			}
			jobs <- d
		}
	}
}

// handleDelivery acks handled events, parks failures on the retry queue and
// sends malformed or exhausted ones to the DLQ.
func handleDelivery(ctx context.Context, h *notify.Handler, pub *rabbitmq.Publisher, d amqp.Delivery, workerID int) {
	var ev rabbitmq.MessageEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || !ev.Valid() {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	out, err := h.Handle(hctx, ev)
	cancel()
	if err == nil {
		if cost := time.Since(start); cost > 2*time.Second {
			log.Printf("notify_timing msg=%s outcome=%s total=%s", ev.MessageID, out, cost)
		}
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed msg=%s err=%v", workerID, ev.MessageID, err)
		}
		return
	}

	attempt := rabbitmq.Attempt(d.Headers) + 1
	if attempt >= maxAttempts {
		log.Printf("worker=%d msg=%s giving up after %d attempts err=%v", workerID, ev.MessageID, attempt, err)
		_ = d.Nack(false, false)
		return
	}
	delay := retryDelay(attempt)
	log.Printf("worker=%d msg=%s attempt=%d retry_in=%s err=%v", workerID, ev.MessageID, attempt, delay, err)
	if perr := pub.Retry(context.Background(), d.Body, attempt, delay); perr != nil {
		log.Printf("worker=%d msg=%s retry publish failed err=%v", workerID, ev.MessageID, perr)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
