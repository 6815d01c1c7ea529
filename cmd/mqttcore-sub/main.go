// Command mqttcore-sub connects to a broker using mqttcore, subscribes
// to a topic filter, and prints messages as they arrive until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brownfield-io/mqttcore"
	"github.com/brownfield-io/mqttcore/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mqttcore-sub:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile = flag.String("config", "", "path to a YAML config file")
		filter     = flag.String("filter", "", "topic filter to subscribe to")
		qos        = flag.Int("qos", 0, "requested QoS level (0, 1, or 2)")
	)
	flag.Parse()

	if *filter == "" {
		return fmt.Errorf("-filter is required")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	requests, notifications, err := mqttcore.Start(ctx, opts)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if err := requests.Subscribe(ctx, []string{*filter}, []mqttcore.QoS{mqttcore.QoS(*qos)}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		n, err := notifications.Recv(ctx)
		if err != nil {
			return nil
		}
		switch n.Kind {
		case mqttcore.NotifyPublish:
			fmt.Printf("%s (qos=%d retained=%v): %s\n", n.Publish.Topic, n.Publish.QoS, n.Publish.Retained, n.Publish.Payload)
		case mqttcore.NotifySubAck:
			slog.Info("subscribe acknowledged", "filter", *filter)
		case mqttcore.NotifyDisconnection:
			slog.Warn("session disconnected", "error", n.Err)
		}
	}
}
