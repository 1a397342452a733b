package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jovidjumaev/fusas/internal/config"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/queue"
	"github.com/jovidjumaev/fusas/internal/session"
	"github.com/jovidjumaev/fusas/internal/store"
)

// Worker consumes attendance messages, maintains per-class aggregate counts
// in Redis, and publishes dashboard-scoped change events. Dashboards that
// miss an event resync from the counters on their next fetch.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	sessions := session.NewPostgresStore(db.Client)
	bus := events.NewRedisBus(redisClient.Client)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "fusas:events")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "attendance" {
			continue
		}

		var am queue.AttendanceMessage
		if err := json.Unmarshal(msg.Body, &am); err != nil {
			log.Printf("bad attendance message: %v", err)
			continue
		}

		sess, err := sessions.Get(ctx, am.SessionID)
		if err != nil {
			log.Printf("fetch session %s failed: %v", am.SessionID, err)
			continue
		}

		countKey := "fusas:dashboard:" + sess.ClassID
		if err := redisClient.Client.HIncrBy(ctx, countKey, am.Status, 1).Err(); err != nil {
			log.Printf("increment %s/%s failed: %v", countKey, am.Status, err)
			continue
		}
		counts, err := redisClient.Client.HGetAll(ctx, countKey).Result()
		if err != nil {
			log.Printf("read %s failed: %v", countKey, err)
			continue
		}

		if err := bus.Publish(ctx, events.DashboardTopic(sess.ClassID), events.Event{
			Type:      "dashboard.counts",
			SessionID: sess.ID,
			ClassID:   sess.ClassID,
			Payload:   events.Marshal(counts),
		}); err != nil {
			log.Printf("publish dashboard counts for %s failed: %v", sess.ClassID, err)
		}
	}

	log.Println("worker stopped")
}
