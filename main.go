package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"ccproxy/internal/auth"
	"ccproxy/internal/config"
	"ccproxy/internal/proxy"
	"ccproxy/internal/router"
)

func main() {
	// Local overrides first, then the environment proper.
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: ccproxy <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve, routes, info")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "routes":
		os.Exit(cmdRoutes())
	case "info":
		os.Exit(cmdInfo())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve, routes, info")
		os.Exit(1)
	}
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.StringVar(&cfg.AnthropicBaseURL, "anthropic-base-url", cfg.AnthropicBaseURL, "Anthropic upstream base URL")
	fs.StringVar(&cfg.ResponsesBaseURL, "responses-base-url", cfg.ResponsesBaseURL, "Responses upstream base URL")
	fs.DurationVar(&cfg.StreamIdleTimeout, "stream-idle-timeout", cfg.StreamIdleTimeout, "Abort streams idle longer than this")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Log to a rotating file instead of stderr")
	fs.Parse(os.Args[2:])

	setupLogging(cfg)

	srv, err := proxy.New(cfg)
	if err != nil {
		slog.Error("unable to start", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("ccproxy starting", "host", cfg.Host, "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

// cmdRoutes prints the endpoint table so operators can see what translates
// to what without reading code.
func cmdRoutes() int {
	cfg := config.DefaultFromEnv()
	table, err := router.Default(cfg.AnthropicMessagesURL(), cfg.ResponsesURL())
	if err != nil {
		slog.Error("invalid route table", "error", err)
		return 1
	}
	for _, b := range table.Bindings() {
		fmt.Printf("%-4s %-35s %s -> %s (answers as %s)\n",
			b.Method, b.Path, b.Inbound, b.Upstream.URL, b.Outbound)
	}
	return 0
}

// cmdInfo reports which upstream credentials the gateway would use.
func cmdInfo() int {
	cfg := config.DefaultFromEnv()

	if cfg.AnthropicAPIKey != "" {
		fmt.Println("anthropic: static API key configured")
	} else {
		fmt.Println("anthropic: no key configured; caller credentials required")
	}

	switch {
	case cfg.OpenAIToken != "":
		fmt.Println("responses: static token configured")
	case cfg.AuthFile != "":
		if _, err := auth.ReadCredentialFile(cfg.AuthFile); err != nil {
			fmt.Printf("responses: credential file %s unreadable: %v\n", cfg.AuthFile, err)
			return 1
		}
		fmt.Printf("responses: stored credentials at %s\n", cfg.AuthFile)
	default:
		fmt.Println("responses: no credentials configured; caller credentials required")
	}
	return 0
}

func setupLogging(cfg *config.ServerConfig) {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}
