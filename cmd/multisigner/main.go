package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/auth"
	"github.com/signtusk/multisigner/pkg/client"
	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/server"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "pack":
		return runPackCmd(args[2:], stdout, stderr)
	case "retry-finalization":
		return runRetryCmd(args[2:], stdout, stderr)
	case "sweep-expired":
		return runSweepCmd(stdout, stderr)
	case "mfa-enroll":
		return runMFAEnrollCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sMultisigner %s%s\n", ColorBold+ColorBlue, "v0.1.0", ColorReset)
	fmt.Fprintf(w, "%sEvery party signs. Every signature is proven.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  multisigner <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the HTTP API (default)")
	printCommand(w, "migrate", "Create or upgrade the database schema")
	printCommand(w, "health", "Check server health (HTTP)")
	printCommand(w, "doctor", "Check configuration and dependencies")

	printSection(w, "OPERATIONS")
	printCommand(w, "retry-finalization", "Retry failed finalizations (--loop)")
	printCommand(w, "sweep-expired", "Mark overdue requests expired")
	printCommand(w, "mfa-enroll", "Enroll a user in MFA (--user, --email)")

	printSection(w, "VERIFICATION")
	printCommand(w, "verify", "Verify a signing request (--request, --json)")
	printCommand(w, "export", "Export an evidence pack (--request, --out)")
	printCommand(w, "pack", "Verify an evidence pack (pack verify --bundle)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-20s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// loadServices reads the policy file and wires the component graph.
func loadServices(ctx context.Context, cfg *config.Config, stderr io.Writer) (*Services, bool) {
	logger := setupLogger(cfg.LogLevel)
	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	svc, err := NewServices(ctx, cfg, pol, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return svc, true
}

func runServer(stderr io.Writer) int {
	fmt.Fprintf(os.Stdout, "%sMultisigner starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error:\n%v\n", err)
		return 2
	}
	svc, ok := loadServices(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer svc.Close(context.Background())

	if err := svc.Migrate(ctx); err != nil {
		log.Printf("[multisigner] migrate: %v", err)
		return 1
	}
	svc.Notifier.Start(ctx)

	keys, err := auth.NewHMACKeySet([]byte(cfg.JWTSecret))
	if err != nil {
		log.Printf("[multisigner] auth: %v", err)
		return 1
	}

	srv := server.New(server.Deps{
		Workflow:     svc.Workflow,
		MFA:          svc.Gate,
		Verifier:     svc.Verifier,
		Validator:    auth.NewJWTValidator(keys),
		Limiter:      svc.Limiter,
		VerifyPolicy: svc.Policy.VerifyRateLimit,
		Idempotency:  api.NewIdempotencyStore(ctx, 24*time.Hour),
		CORSOrigins:  cfg.CORSOrigins,
		Health:       func(ctx context.Context) error { return svc.Store.DB().PingContext(ctx) },
	})
	global := api.NewGlobalRateLimiter(ctx, 50, 100)

	go runRetryLoop(ctx, svc, time.Minute)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           global.Middleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[multisigner] ready: http://localhost:%s", cfg.Port)
		log.Println("[multisigner] press ctrl+c to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[multisigner] server error: %v", err)
			return 1
		}
	case <-ctx.Done():
	}

	log.Println("[multisigner] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[multisigner] shutdown: %v", err)
	}
	return 0
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	baseURL := cmd.String("url", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	c := client.New(*baseURL, client.WithTimeout(5*time.Second))
	status, err := c.Health(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(out, strings.ToUpper(status["status"]))
	return 0
}
