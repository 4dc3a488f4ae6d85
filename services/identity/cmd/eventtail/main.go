// Command eventtail prints user events from the broker, skipping redeliveries
// of event ids it has already seen.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AfshinJalili/identity/libs/kafka"
	"github.com/AfshinJalili/identity/libs/logging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	logger := logging.NewLogger(getEnv("IDENTITY_LOG_LEVEL", "info"), "identity-eventtail", getEnv("IDENTITY_ENV", "dev"))

	brokers := strings.Split(getEnv("IDENTITY_KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getEnv("IDENTITY_KAFKA_TOPIC", "user.events")
	group := getEnv("IDENTITY_KAFKA_CONSUMER_GROUP", "identity-eventtail")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dedupe Deduper
	if addr := getEnv("IDENTITY_EVENTTAIL_REDIS_ADDR", ""); addr != "" {
		db, _ := strconv.Atoi(getEnv("IDENTITY_EVENTTAIL_REDIS_DB", "0"))
		client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis ping: %v\n", err)
			os.Exit(1)
		}
		dedupe = NewRedisDeduper(client, "", 24*time.Hour)
	} else {
		logger.Warn("no redis configured, duplicate deliveries will be printed")
	}

	consumer, err := kafka.NewConsumer(brokers, group, logger, kafka.ConsumerOptions{MaxRetries: 5})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka consumer: %v\n", err)
		os.Exit(1)
	}
	defer consumer.Close()

	logger.Info("tailing user events", "topic", topic, "group", group)
	if err := consumer.Consume(ctx, []string{topic}, NewTailer(dedupe, logger)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consume failed", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
