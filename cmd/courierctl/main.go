package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/client"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/daemon"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/session"
	"github.com/matheus3301/courier/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		cmdStatus(sessionName, *jsonFlag)
	case "watch":
		cmdWatch(sessionName)
	case "pending":
		cmdPending(sessionName, *jsonFlag)
	case "failed":
		cmdFailed(sessionName, *jsonFlag)
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl retry <message-id>")
			os.Exit(1)
		}
		cmdRetry(sessionName, args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: courierctl send <conversation-id> <text>")
			os.Exit(1)
		}
		cmdSend(sessionName, args[1], strings.Join(args[2:], " "), *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon, realtime and delivery health")
	fmt.Fprintln(os.Stderr, "  watch                  Follow realtime connection changes")
	fmt.Fprintln(os.Stderr, "  pending                Show the number of unsent messages")
	fmt.Fprintln(os.Stderr, "  failed                 List messages that exhausted their attempts")
	fmt.Fprintln(os.Stderr, "  retry <id>             Re-queue a failed message")
	fmt.Fprintln(os.Stderr, "  send <conv> <text>     Queue a text message")
}

type statusOutput struct {
	Session  string `json:"session"`
	PID      int    `json:"pid,omitempty"`
	Daemon   string `json:"daemon"`
	Realtime string `json:"realtime"`
	Delivery string `json:"delivery"`
}

func cmdStatus(sessionName string, jsonOut bool) {
	out := statusOutput{Session: sessionName, Daemon: "STOPPED"}
	pid, err := lock.Holder(session.LockPath(sessionName))
	if err != nil {
		fail(err)
	}
	out.PID = pid

	if pid != 0 {
		c := dial(sessionName)
		defer func() { _ = c.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := c.Status(ctx, "", daemon.ServiceRealtime, daemon.ServiceDelivery)
		if err != nil {
			fail(fmt.Errorf("cannot reach daemon for session %q: %w", sessionName, err))
		}
		out.Daemon = st[""]
		out.Realtime = st[daemon.ServiceRealtime]
		out.Delivery = st[daemon.ServiceDelivery]
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Session:  %s\n", out.Session)
	if out.PID == 0 {
		fmt.Println("Daemon:   not running")
		return
	}
	fmt.Printf("Daemon:   %s (pid %d)\n", out.Daemon, out.PID)
	fmt.Printf("Realtime: %s\n", out.Realtime)
	fmt.Printf("Delivery: %s\n", out.Delivery)
}

func cmdWatch(sessionName string) {
	c := dial(sessionName)
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := c.Watch(ctx, daemon.ServiceRealtime, func(status string) {
		fmt.Printf("%s realtime %s\n", time.Now().Format(time.TimeOnly), status)
	})
	if err != nil {
		fail(err)
	}
}

func cmdPending(sessionName string, jsonOut bool) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	n, err := db.PendingCount()
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]int{"pending": n})
		return
	}
	fmt.Printf("Pending: %d\n", n)
}

type failedOutput struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
}

func cmdFailed(sessionName string, jsonOut bool) {
	cfg := loadConfig()
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	entries, err := db.FailedItems(cfg.Delivery.MaxAttempts)
	if err != nil {
		fail(err)
	}
	out := make([]failedOutput, len(entries))
	for i, e := range entries {
		out[i] = failedOutput{MessageID: e.MessageID, ConversationID: e.ConversationID, Attempts: e.Attempts, LastError: e.LastError}
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No failed messages.")
		return
	}
	for _, f := range out {
		fmt.Printf("%-36s %-20s attempts=%d %s\n", f.MessageID, f.ConversationID, f.Attempts, f.LastError)
	}
}

// Commands that write go straight to the store; a running daemon picks the
// change up on its next delivery tick.
func cmdRetry(sessionName, id string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	svc := api.NewMessageService(db, nil, nil, nil, "", nil)
	if err := svc.Retry(id); err != nil {
		fail(err)
	}
	fmt.Printf("Re-queued %s\n", id)
}

func cmdSend(sessionName, conversationID, text string, jsonOut bool) {
	cfg := loadConfig()
	selfID, err := auth.UserID(cfg.Server.UserID, auth.NewFileProvider(session.TokenPath(sessionName)))
	if err != nil {
		fail(err)
	}
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	svc := api.NewMessageService(db, nil, nil, nil, selfID, nil)
	m, err := svc.Compose(api.ComposeRequest{ConversationID: conversationID, Body: text})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]string{"message_id": m.ID, "status": string(m.Status)})
		return
	}
	fmt.Printf("Queued %s\n", m.ID)
}

func dial(sessionName string) *client.Client {
	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	return c
}

func loadConfig() *config.Config {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fail(err)
	}
	return cfg
}

func openStore(sessionName string) *store.DB {
	if err := session.EnsureDir(sessionName); err != nil {
		fail(err)
	}
	db, err := store.Open(session.DBPath(sessionName))
	if err != nil {
		fail(err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		fail(err)
	}
	return db
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
