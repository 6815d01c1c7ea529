// Command mqttcore-pub connects to a broker using mqttcore and
// publishes a single message read from stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brownfield-io/mqttcore"
	"github.com/brownfield-io/mqttcore/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mqttcore-pub:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile = flag.String("config", "", "path to a YAML config file")
		topic      = flag.String("topic", "", "topic to publish to")
		qos        = flag.Int("qos", 0, "QoS level (0, 1, or 2)")
		retain     = flag.Bool("retain", false, "set the retain flag")
	)
	flag.Parse()

	if *topic == "" {
		return fmt.Errorf("-topic is required")
	}

	var file *config.File
	if *configFile != "" {
		f, err := config.FromFile(*configFile)
		if err != nil {
			return err
		}
		file = &f
	}

	opts, err := config.FromEnv(file)
	if err != nil {
		return err
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	requests, notifications, err := mqttcore.Start(ctx, opts)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	go func() {
		for {
			n, err := notifications.Recv(ctx)
			if err != nil {
				return
			}
			if n.Kind == mqttcore.NotifyDisconnection {
				slog.Warn("session disconnected", "error", n.Err)
			}
		}
	}()

	publishCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := requests.Publish(publishCtx, mqttcore.Message{
		Topic:    *topic,
		Payload:  payload,
		QoS:      mqttcore.QoS(*qos),
		Retained: *retain,
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return requests.Disconnect(publishCtx)
}
