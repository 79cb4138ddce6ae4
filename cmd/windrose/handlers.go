// handlers.go implements the command logic behind the cobra definitions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/windrose-im/windrose/internal/client"
	"github.com/windrose-im/windrose/internal/config"
	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/pkg/models"
)

func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if path := os.Getenv("WINDROSE_CONFIG"); path != "" {
		return path
	}
	return "windrose.yaml"
}

// setup loads configuration and assembles the client with its ambient
// stack. The returned shutdown flushes traces and closes the outbox.
func setup(cmd *cobra.Command) (*client.Client, config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics(nil)
	tracer, flushTraces := observability.NewTracer(observability.TraceConfig{
		ServiceName: "windrose",
		Endpoint:    cfg.Trace.Endpoint,
		Insecure:    cfg.Trace.Insecure,
	})

	c, err := client.New(cfg, client.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = flushTraces(ctx)
		_ = c.Close()
	}
	return c, cfg, shutdown, nil
}

func runLogin(cmd *cobra.Command, access, refresh string) error {
	c, cfg, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := c.Login(access, refresh); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	fmt.Printf("Credentials stored at %s\n", cfg.Auth.CredentialsPath)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := c.Logout(); err != nil {
		return err
	}
	fmt.Println("Credentials removed.")
	return nil
}

func runChat(cmd *cobra.Command, conversationID string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unsubscribe := subscribePrinters(c)
	defer unsubscribe()

	if err := c.Connect(ctx, conversationID); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer c.Disconnect()

	fmt.Printf("Connected to %s. Type a message and press enter; Ctrl-C to leave.\n", conversationID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			localID, err := c.SendMessage(ctx, conversationID, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			fmt.Printf("  [sent %s]\n", localID[:8])
		}
	}
}

// subscribePrinters renders transport events to stdout.
func subscribePrinters(c *client.Client) func() {
	unsubs := []func(){
		c.On(models.EventMessage, func(e models.Event) {
			m := e.Message
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderID, m.Content)
		}),
		c.On(models.EventTyping, func(e models.Event) {
			if e.Typing.Typing {
				fmt.Printf("  %s is typing…\n", e.Typing.UserID)
			}
		}),
		c.On(models.EventRead, func(e models.Event) {
			fmt.Printf("  %s read %d message(s)\n", e.Read.UserID, len(e.Read.MessageIDs))
		}),
		c.On(models.EventConnection, func(e models.Event) {
			fmt.Printf("  [connection: %s]\n", e.Connection.Status)
		}),
		c.On(models.EventError, func(e models.Event) {
			fmt.Fprintf(os.Stderr, "  [error %s] %s\n", e.Error.Code, e.Error.Message)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func runSend(cmd *cobra.Command, conversationID, content, replyTo string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var opts []client.SendOption
	if replyTo != "" {
		opts = append(opts, client.WithReplyTo(replyTo))
	}

	localID, err := c.SendMessage(ctx, conversationID, content, opts...)
	if err != nil {
		return err
	}

	// One-shot sends have no socket, so the message lands in the queue;
	// try to flush it over REST before exiting.
	processed, failed, drainErr := c.Drain(ctx)
	switch {
	case drainErr != nil:
		fmt.Printf("Queued %s (drain unavailable: %v)\n", localID, drainErr)
	case failed > 0:
		fmt.Printf("Queued %s; will deliver when the backend is reachable.\n", localID)
	case processed > 0:
		fmt.Printf("Delivered %s\n", localID)
	default:
		fmt.Printf("Sent %s\n", localID)
	}
	return nil
}

func runTail(cmd *cobra.Command, conversationID string, limit int) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	msgs, err := c.FetchMessages(ctx, conversationID, limit)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.SenderID, m.Content)
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	queued, err := c.QueuedMessages(cmd.Context())
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		fmt.Println("Offline queue is empty.")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-8s  %s\n", "LOCAL ID", "CONVERSATION", "ATTEMPTS", "CONTENT")
	for _, m := range queued {
		content := m.Content
		if len(content) > 48 {
			content = content[:45] + "…"
		}
		fmt.Printf("%-36s  %-12s  %-8d  %s\n", m.LocalID, m.ConversationID, m.Attempts, content)
	}
	return nil
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	processed, failed, err := c.Drain(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Drained %d message(s), %d still queued.\n", processed, failed)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	c, _, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := c.ClearQueue(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Offline queue cleared.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, cfg, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	queued, err := c.QueuedMessages(cmd.Context())
	if err != nil {
		return err
	}

	credStatus := "present"
	if _, statErr := os.Stat(cfg.Auth.CredentialsPath); statErr != nil {
		credStatus = "absent"
	}

	fmt.Printf("API:          %s\n", cfg.Server.APIBaseURL)
	fmt.Printf("Websocket:    %s\n", cfg.Server.WSURL)
	fmt.Printf("Credentials:  %s (%s)\n", cfg.Auth.CredentialsPath, credStatus)
	fmt.Printf("Offline queue: %d message(s) at %s\n", len(queued), cfg.Outbox.Path)
	return nil
}
