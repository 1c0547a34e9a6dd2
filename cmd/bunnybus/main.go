package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ten-ans/bunnybus"
	"github.com/ten-ans/bunnybus/events"
)

var (
	version = "dev"
)

func main() {
	var (
		server  string
		port    int
		user    string
		pass    string
		vhost   string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:     "bunnybus",
		Short:   "Publish, consume, and inspect bunnybus queues",
		Long:    "bunnybus is an operator CLI for the bunnybus client library.\nIt publishes events, tails queues, and manages queue topology on an AMQP 0-9-1 broker.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", "localhost", "Broker host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 5672, "Broker port")
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", "guest", "Broker user")
	rootCmd.PersistentFlags().StringVar(&pass, "password", "guest", "Broker password")
	rootCmd.PersistentFlags().StringVar(&vhost, "vhost", "%2f", "Broker vhost")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	newBus := func() *bunnybus.BunnyBus {
		cfg := bunnybus.DefaultConfig()
		cfg.Server = server
		cfg.Port = port
		cfg.User = user
		cfg.Password = pass
		cfg.VHost = vhost
		cfg.Silence = !verbose
		return bunnybus.New(bunnybus.WithConfig(cfg), bunnybus.WithLogger(slog.Default()))
	}

	// publish command
	var source string
	publishCmd := &cobra.Command{
		Use:   "publish <json-message>",
		Short: "Publish a message through the global exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
				return fmt.Errorf("message must be a JSON object: %w", err)
			}

			bus := newBus()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer bus.Stop(ctx)

			var opts []bunnybus.PublishOption
			if source != "" {
				opts = append(opts, bunnybus.WithSource(source))
			}
			if err := bus.Publish(ctx, payload, opts...); err != nil {
				return err
			}
			fmt.Println("published")
			return nil
		},
	}
	publishCmd.Flags().StringVar(&source, "source", "bunnybus-cli", "Producer tag for the source header")
	rootCmd.AddCommand(publishCmd)

	// listen command
	var patterns []string
	listenCmd := &cobra.Command{
		Use:   "listen <queue>",
		Short: "Subscribe a queue and print each message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			bus := newBus()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			handler := func(ctx context.Context, msg *bunnybus.ConsumedMessage, res *bunnybus.Resolver) error {
				line, _ := json.Marshal(msg.Payload)
				fmt.Printf("%s  %s\n", msg.RouteKey, line)
				return res.Ack(ctx)
			}
			handlers := bunnybus.Handlers{}
			if len(patterns) == 0 {
				patterns = []string{"#"}
			}
			for _, p := range patterns {
				handlers[p] = handler
			}

			bus.Events().Subscribe(func(e events.Event) {
				fmt.Fprintf(os.Stderr, "! %s %s\n", e.Kind, e.Name)
			}, events.Recovering, events.Recovered, events.RecoveryFailed)

			if err := bus.Subscribe(ctx, queue, handlers); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "listening on %q, ctrl-c to stop\n", queue)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return bus.Stop(stopCtx)
		},
	}
	listenCmd.Flags().StringSliceVar(&patterns, "bind", nil, "Routing patterns to bind (default \"#\")")
	rootCmd.AddCommand(listenCmd)

	// queue commands
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queues",
	}

	queueCheckCmd := &cobra.Command{
		Use:   "check <queue>",
		Short: "Show queue depth and consumer count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := newBus()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer bus.Stop(ctx)

			q, err := bus.CheckQueue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("queue=%s messages=%d consumers=%d\n", q.Name, q.Messages, q.Consumers)
			return nil
		},
	}

	queuePurgeCmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Remove every ready message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := newBus()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer bus.Stop(ctx)

			n, err := bus.PurgeQueue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("purged %d messages\n", n)
			return nil
		},
	}

	queueDeleteCmd := &cobra.Command{
		Use:   "delete <queue>",
		Short: "Delete a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := newBus()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer bus.Stop(ctx)

			n, err := bus.DeleteQueue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted queue with %d messages\n", n)
			return nil
		},
	}

	queueCmd.AddCommand(queueCheckCmd, queuePurgeCmd, queueDeleteCmd)
	rootCmd.AddCommand(queueCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
