// Command vidacrm-tail follows the realtime conversation event stream on the
// AMQP exchange and prints each event as a JSON line. Useful for debugging
// front-end consumers and for watching a live deployment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	amqpURL := flag.String("amqp-url", os.Getenv("AMQP_URL"), "AMQP broker URL (overrides $AMQP_URL)")
	queue := flag.String("queue", "vidacrm-tail", "queue name to consume from")
	binding := flag.String("binding", realtime.DefaultQueueBinding, "routing key binding, e.g. conversation.conv_abc.#")
	flag.Parse()

	if *amqpURL == "" {
		slog.Error("No AMQP URL configured; set AMQP_URL or pass -amqp-url")
		os.Exit(1)
	}

	handler := func(ctx context.Context, evt realtime.Event) error {
		line, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
		return nil
	}

	sub, err := realtime.NewSubscriber(*amqpURL, *queue, handler, realtime.WithBinding(*binding))
	if err != nil {
		slog.Error("Failed to create subscriber", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sub.Run(ctx); err != nil {
		slog.Error("Subscriber failed", "error", err)
		os.Exit(1)
	}
}
