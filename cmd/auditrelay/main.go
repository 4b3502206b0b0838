// auditrelay consumes security events from Kafka and pushes them to Loki
// so reuse detections and family revocations are queryable next to the
// rest of the logs. Set KAFKA_BROKERS, SECURITY_KAFKA_TOPIC, KAFKA_GROUP_ID,
// and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tokenkin/tokenkin/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("auditrelay: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("auditrelay: LOKI_URL is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.SecurityKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("auditrelay: shutting down...")
		cancel()
	}()

	log.Printf("auditrelay: consuming %s (group %s), pushing to %s",
		cfg.SecurityKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("auditrelay: stopped")
				return
			}
			log.Printf("auditrelay: kafka read error: %v", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := pushEventJSON(pushCtx, cfg.LokiURL, msg.Value); err != nil {
			log.Printf("auditrelay: loki push failed: %v", err)
		}
		pushCancel()
	}
}
