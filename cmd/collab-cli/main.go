package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cwrk-planet/collab-service/internal/client"
	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/pkg/logger"
)

const usage = `commands:
  <text>              send a message
  /ttl <sec> <text>   send a message that expires
  /del <id>           delete one of your messages
  /inc  /dec          bump the counter
  /set <n>            set the counter
  /typing  /stop      typing indicator
  /users  /messages   print current state
  /quit`

func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8080/ws", "relay websocket endpoint")
		session  = flag.String("session", "demo", "session id")
		userID   = flag.String("user", "", "user id (required)")
		name     = flag.String("name", "", "display name")
		debug    = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger.Init(logger.Config{
		Service: "collab-cli",
		Env:     logger.EnvDev,
		Backend: logger.BackendStd,
		Debug:   *debug,
		Output:  os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(client.Options{
		SessionID:   *session,
		UserID:      *userID,
		DisplayName: *name,
		RelayURL:    *relayURL,
		OnActivity: func(e domain.ActivityLogEntry) {
			fmt.Printf("[%s] %s\n", e.Timestamp.Format("15:04:05"), e.Description)
		},
		OnStatus: func(connected bool) {
			if connected {
				fmt.Println("* connected")
			} else {
				fmt.Println("* offline, reconnecting")
			}
		},
		OnReject: func(e protocol.Error) {
			fmt.Printf("! %s rejected: %s\n", e.Op, e.Reason)
		},
	})
	if err != nil {
		log.Fatalf("client: %v (-user is required)", err)
	}
	if err := c.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer func() { _ = c.Close() }()

	fmt.Println(usage)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(c, line); quit {
				return
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func run(c *client.Client, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		report(c.SendMessage(line, 0))
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/inc":
		report(c.Increment())
	case "/dec":
		report(c.Decrement())
	case "/set":
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("! /set needs a number")
			return false
		}
		report(c.SetCounter(v))
	case "/del":
		report(c.DeleteMessage(arg))
	case "/typing":
		report(c.StartTyping())
	case "/stop":
		report(c.StopTyping())
	case "/ttl":
		secs, text, _ := strings.Cut(arg, " ")
		n, err := strconv.Atoi(secs)
		if err != nil || n <= 0 {
			fmt.Println("! /ttl needs seconds > 0")
			return false
		}
		report(c.SendMessage(text, time.Duration(n)*time.Second))
	case "/users":
		for _, u := range c.Store().Users() {
			mark := ""
			if u.Typing {
				mark = " (typing)"
			}
			fmt.Printf("  %s  %s%s\n", u.ID, u.DisplayName, mark)
		}
	case "/messages":
		for _, m := range c.Store().Messages() {
			fmt.Printf("  %s  %s: %s\n", m.ID, m.AuthorDisplayName, m.Content)
		}
		cnt := c.Store().Counter()
		fmt.Printf("  counter = %d (by %s)\n", cnt.Value, cnt.LastActorName)
	default:
		fmt.Println(usage)
	}
	return false
}

func report(err error) {
	if err != nil {
		slog.Warn("action failed", logger.Err(err))
		fmt.Printf("! %v\n", err)
	}
}
