package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/notify"
	"rollcall/internal/store"
)

// Worker subscribes to resolution notices and republishes each to a
// per-class redis channel so live dashboards can follow one class
// without filtering the firehose.
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

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDialTimeout)
	if !redisClient.Healthy(ctx) {
		log.Fatalf("redis not reachable at %s", cfg.RedisAddr)
	}

	broker := notify.NewRedisBroker(redisClient.Client, cfg.NotifyChannel)
	notices, err := broker.Subscribe(ctx)
	if err != nil {
		log.Fatalf("subscribe failed: %v", err)
	}

	log.Println("worker started, forwarding resolution notices...")
	for n := range notices {
		payload, err := json.Marshal(n)
		if err != nil {
			continue
		}
		channel := "rollcall:live:" + n.ClassID
		if err := redisClient.Client.Publish(ctx, channel, payload).Err(); err != nil {
			log.Printf("forward to %s failed: %v", channel, err)
		}
	}
	log.Println("worker exited")
}
