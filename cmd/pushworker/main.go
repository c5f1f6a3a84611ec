package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echodm/chat-app/internal/messaging"
	"github.com/echodm/chat-app/internal/metrics"
)

// payload is the body POSTed to a subscription endpoint. The endpoint comes
// from the client-registered subscription document.
type payload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID int64  `json:"conversation_id"`
}

// subscription is the part of the stored subscription document the worker
// needs.
type subscription struct {
	Endpoint string `json:"endpoint"`
}

func main() {
	log.Println("Starting EchoDM push worker...")

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "echodm-pushworker"
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	// Deliver push requests. Delivery is best effort: failures are logged and
	// dropped, never retried, and never block message delivery upstream.
	err = natsClient.SubscribePush(func(req messaging.PushRequest) {
		var sub subscription
		if err := json.Unmarshal(req.Subscription, &sub); err != nil || sub.Endpoint == "" {
			log.Printf("[pushworker] bad subscription for user=%d: %v", req.UserID, err)
			metrics.PushDispatchTotal.WithLabelValues("failed").Inc()
			return
		}

		body, err := json.Marshal(payload{Title: req.Title, Body: req.Body, ConversationID: req.ConversationID})
		if err != nil {
			log.Printf("[pushworker] marshal payload for user=%d: %v", req.UserID, err)
			return
		}

		resp, err := httpClient.Post(sub.Endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[pushworker] deliver to user=%d failed: %v", req.UserID, err)
			metrics.PushDispatchTotal.WithLabelValues("failed").Inc()
			return
		}
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			log.Printf("[pushworker] deliver to user=%d: endpoint answered %d", req.UserID, resp.StatusCode)
			metrics.PushDispatchTotal.WithLabelValues("failed").Inc()
			return
		}
		log.Printf("[pushworker] delivered push to user=%d", req.UserID)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to push requests: %v", err)
	}

	log.Printf("EchoDM push worker running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	// Expose metrics and liveness.
	metricsAddr := ":9102"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("[pushworker] metrics server: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
