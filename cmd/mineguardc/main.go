package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/mineguard/mineguard/client"
	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/models"
)

var (
	logger     *log.Logger
	configPath string
	useRootKey bool
)

func init() {
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
	})

	flag.StringVar(&configPath, "config", "mineguard.yaml", "Path to the controller configuration file")
	flag.BoolVar(&useRootKey, "root", false, "Derive the root key from the controller secret. Defaults to false.")
}

// newSlogBridge adapts the CLI logger for collaborators that speak slog.
func newSlogBridge() *slog.Logger {
	return slog.New(logger)
}

func loadConfig(path string) (*config.Controller, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg config.Controller
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data from %s: %w", path, err)
	}
	return &cfg, nil
}

func getClient(cfg *config.Controller) (*client.Client, error) {
	var apiKey string
	if useRootKey {
		if cfg.Gateway.Secret == "" {
			return nil, fmt.Errorf("gateway secret is empty in %s, cannot derive root key", configPath)
		}
		secretHash := sha256.Sum256([]byte(cfg.Gateway.Secret))
		apiKey = hex.EncodeToString(secretHash[:])
	} else {
		apiKey = os.Getenv("MINEGUARD_API_KEY")
	}

	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is empty: set MINEGUARD_API_KEY or pass --root")
	}

	useTLS := cfg.Gateway.TLS.Cert != "" && cfg.Gateway.TLS.Key != ""

	return client.NewClient(&client.Config{
		HostPort:   cfg.Gateway.HttpBinding,
		ApiKey:     apiKey,
		UseTLS:     useTLS,
		SkipVerify: useTLS, // local daemons run on self-signed certs
		Logger:     newSlogBridge(),
	})
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load controller configuration", "error", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	cli, err := getClient(cfg)
	if err != nil {
		logger.Error("Failed to initialize API client", "error", err)
		os.Exit(1)
	}

	switch command {
	case "create":
		handleCreate(cli, cmdArgs)
	case "delete":
		handleDelete(cli, cmdArgs)
	case "start":
		handleStart(cli, cmdArgs)
	case "stop":
		handleStop(cli, cmdArgs, true)
	case "kill":
		handleStop(cli, cmdArgs, false)
	case "restart":
		handleRestart(cli, cmdArgs)
	case "ack":
		handleAck(cli, cmdArgs)
	case "list":
		handleList(cli, cmdArgs)
	case "status":
		handleStatus(cli, cmdArgs)
	case "tail":
		handleTail(cli, cmdArgs)
	case "send":
		handleSend(cli, cmdArgs)
	case "events":
		handleEvents(cli)
	case "console":
		handleConsole(cli, cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: mineguardc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  create <instance.yaml>\n")
	fmt.Fprintf(os.Stderr, "  delete <id|name>\n")
	fmt.Fprintf(os.Stderr, "  start <id|name>\n")
	fmt.Fprintf(os.Stderr, "  stop <id|name>\n")
	fmt.Fprintf(os.Stderr, "  kill <id|name>\n")
	fmt.Fprintf(os.Stderr, "  restart <id|name>\n")
	fmt.Fprintf(os.Stderr, "  ack <id|name>\n")
	fmt.Fprintf(os.Stderr, "  list [offset] [limit]\n")
	fmt.Fprintf(os.Stderr, "  status <id|name>\n")
	fmt.Fprintf(os.Stderr, "  tail <id|name> [lines]\n")
	fmt.Fprintf(os.Stderr, "  send <id|name> <command...>\n")
	fmt.Fprintf(os.Stderr, "  events\n")
	fmt.Fprintf(os.Stderr, "  console [id|name]\n")
}

func handleCreate(c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("create: requires <instance.yaml>")
		printUsage()
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("Failed to read instance definition", "path", args[0], "error", err)
		os.Exit(1)
	}

	var inst config.Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		logger.Error("Failed to parse instance definition", "path", args[0], "error", err)
		os.Exit(1)
	}

	id, err := c.Create(inst)
	if err != nil {
		logger.Error("Create failed", "name", inst.Name, "error", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func handleDelete(c *client.Client, args []string) {
	ref := requireRef("delete", args)
	if err := c.Delete(ref); err != nil {
		logger.Error("Delete failed", "instance", ref, "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleStart(c *client.Client, args []string) {
	ref := requireRef("start", args)
	if err := c.Start(ref); err != nil {
		logger.Error("Start failed", "instance", ref, "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleStop(c *client.Client, args []string, graceful bool) {
	verb := "stop"
	if !graceful {
		verb = "kill"
	}
	ref := requireRef(verb, args)

	var err error
	if graceful {
		err = c.Stop(ref, true)
	} else {
		err = c.Kill(ref)
	}
	if err != nil {
		logger.Error("Command failed", "command", verb, "instance", ref, "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleRestart(c *client.Client, args []string) {
	ref := requireRef("restart", args)
	if err := c.Restart(ref); err != nil {
		logger.Error("Restart failed", "instance", ref, "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleAck(c *client.Client, args []string) {
	ref := requireRef("ack", args)
	if err := c.Acknowledge(ref); err != nil {
		logger.Error("Acknowledge failed", "instance", ref, "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleList(c *client.Client, args []string) {
	offset, limit := 0, 100
	if len(args) > 0 {
		offset = parseIntArg("list", "offset", args[0])
	}
	if len(args) > 1 {
		limit = parseIntArg("list", "limit", args[1])
	}

	resp, err := c.List(offset, limit)
	if err != nil {
		logger.Error("List failed", "error", err)
		os.Exit(1)
	}

	for _, inst := range resp.Instances {
		printSummary(inst)
	}
	fmt.Printf("total: %d\n", resp.Total)
}

func handleStatus(c *client.Client, args []string) {
	ref := requireRef("status", args)
	summary, err := c.Status(ref)
	if err != nil {
		logger.Error("Status failed", "instance", ref, "error", err)
		os.Exit(1)
	}
	printSummary(summary)
	if summary.Health != nil {
		fmt.Printf("  cpu: %.1f%%  rss: %d bytes  responsive: %v\n",
			summary.Health.CPUPercent, summary.Health.RSSBytes, summary.Health.Responsive)
	}
}

func printSummary(s models.InstanceSummary) {
	line := fmt.Sprintf("%s  %-20s %s", s.ID, s.Name, s.State)
	if s.PID != 0 {
		line += fmt.Sprintf("  pid=%d", s.PID)
	}
	if s.Parked {
		line += "  [parked]"
	}
	if s.Reason != "" {
		line += fmt.Sprintf("  (%s)", s.Reason)
	}
	fmt.Println(line)
}

func handleTail(c *client.Client, args []string) {
	if len(args) < 1 {
		logger.Error("tail: requires <id|name> [lines]")
		printUsage()
		os.Exit(1)
	}
	lines := 50
	if len(args) > 1 {
		lines = parseIntArg("tail", "lines", args[1])
	}

	out, err := c.ConsoleTail(args[0], lines)
	if err != nil {
		logger.Error("Tail failed", "instance", args[0], "error", err)
		os.Exit(1)
	}
	for _, l := range out {
		printConsoleLine(l, false)
	}
}

func handleSend(c *client.Client, args []string) {
	if len(args) < 2 {
		logger.Error("send: requires <id|name> <command...>")
		printUsage()
		os.Exit(1)
	}
	line := strings.Join(args[1:], " ")
	if err := c.ConsoleSend(args[0], line); err != nil {
		logger.Error("Send failed", "instance", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func handleEvents(c *client.Client) {
	ctx := interruptContext()

	err := c.SubscribeEvents(ctx, func(ev models.Event) {
		fmt.Printf("%s  %s  %s -> %s",
			ev.Timestamp.Format(time.RFC3339), ev.InstanceID, ev.Previous, ev.Current)
		if ev.Reason != "" {
			fmt.Printf("  (%s)", ev.Reason)
		}
		fmt.Println()
	})
	if err != nil && err != context.Canceled {
		logger.Error("Event subscription failed", "error", err)
		os.Exit(1)
	}
}

func handleConsole(c *client.Client, args []string) {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	ctx := interruptContext()

	err := c.SubscribeConsole(ctx, target, func(line models.ConsoleLine) {
		printConsoleLine(line, target == "")
	})
	if err != nil && err != context.Canceled {
		logger.Error("Console subscription failed", "error", err)
		os.Exit(1)
	}
}

func printConsoleLine(l models.ConsoleLine, withInstance bool) {
	if withInstance {
		fmt.Printf("[%s] %s\n", l.InstanceID, l.Line)
		return
	}
	if l.Source == models.ConsoleStderr {
		fmt.Fprintln(os.Stderr, l.Line)
		return
	}
	fmt.Println(l.Line)
}

func interruptContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx
}

func requireRef(verb string, args []string) string {
	if len(args) != 1 {
		logger.Error(verb + ": requires <id|name>")
		printUsage()
		os.Exit(1)
	}
	return args[0]
}

func parseIntArg(verb, field, raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger.Error(verb+": invalid "+field, "value", raw)
		os.Exit(1)
	}
	return n
}
