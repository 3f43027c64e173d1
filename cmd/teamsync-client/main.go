// Command teamsync-client connects to a teamsync server with credentials from
// the environment and prints every pushed event. Arguments issue one request
// before listening:
//
//	teamsync-client join <projectID> [message]
//	teamsync-client approve|reject <requestID> [message]
//	teamsync-client cancel <requestID>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/a-essam23/teamsync/pkg/client"
	"github.com/a-essam23/teamsync/pkg/logging"
	"github.com/a-essam23/teamsync/pkg/protocol"
)

func main() {
	logger := logging.New(logging.ParseLevel(os.Getenv("TEAMSYNC_LOG_LEVEL")))

	cfg, err := client.ConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, client.ErrReloginRequired) {
			logger.Error("Token expired; set TEAMSYNC_TOKEN and retry")
		} else {
			logger.Error("Failed to connect", slog.Any("error", err))
		}
		os.Exit(1)
	}
	defer c.Close()

	if err := run(ctx, c, os.Args[1:]); err != nil {
		logger.Error("Request failed", slog.Any("error", err))
		os.Exit(1)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errors.Is(c.Err(), client.ErrConnectionCycled) {
				logger.Warn("Signed in elsewhere; this session was closed")
				return
			}
		case env := <-c.Events():
			fmt.Printf("%s %s %s\n", env.Timestamp.Format("15:04:05"), env.Event, env.Payload)
		}
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < 2 {
		return fmt.Errorf("%s needs an id", args[0])
	}
	message := strings.Join(args[2:], " ")

	switch args[0] {
	case "join":
		requestID, err := c.SendJoinRequest(ctx, args[1], message)
		if err != nil {
			return err
		}
		fmt.Println("request", requestID, "sent")
	case "approve":
		return c.RespondJoinRequest(ctx, args[1], protocol.ActionApprove, message)
	case "reject":
		return c.RespondJoinRequest(ctx, args[1], protocol.ActionReject, message)
	case "cancel":
		return c.CancelJoinRequest(ctx, args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
