package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/mfa"
)

// runMigrateCmd implements `multisigner migrate`.
func runMigrateCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)

	if svc.Secrets == nil {
		_, _ = fmt.Fprintln(stderr, "Warning: MFA_MASTER_KEY not set, skipping MFA tables")
	}
	if err := svc.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s✅ Schema is up to date%s\n", ColorGreen, ColorReset)
	return 0
}

// runRetryCmd implements `multisigner retry-finalization`. With --loop it
// keeps running until interrupted; otherwise it makes a single pass and
// prints the report.
func runRetryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("retry-finalization", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		loop     bool
		interval time.Duration
	)
	cmd.BoolVar(&loop, "loop", false, "Keep retrying until interrupted")
	cmd.DurationVar(&interval, "interval", time.Minute, "Pause between passes with --loop")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 1
	}
	defer svc.Close(context.Background())
	svc.Notifier.Start(ctx)

	if loop {
		runRetryLoop(ctx, svc, interval)
		return 0
	}

	report, err := svc.Retry.RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(report, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if len(report.Exhausted) > 0 {
		return 1
	}
	return 0
}

// runRetryLoop drives the retry runner until ctx ends.
func runRetryLoop(ctx context.Context, svc *Services, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := svc.Retry.RunOnce(ctx)
		if err != nil {
			log.Printf("[multisigner] finalization retry: %v", err)
		} else if report.Attempted > 0 {
			log.Printf("[multisigner] finalization retry: %d attempted, %d succeeded, %d failed",
				report.Attempted, report.Succeeded, report.Failed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSweepCmd implements `multisigner sweep-expired`.
func runSweepCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)
	if svc.Workflow == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", errMFAKeyRequired)
		return 2
	}

	n, err := svc.Workflow.SweepExpired(ctx, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: sweep: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Expired %d request(s)\n", n)
	return 0
}

// runMFAEnrollCmd implements `multisigner mfa-enroll`. It prints the secret
// and backup codes once; with --code it also enables signing MFA.
func runMFAEnrollCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mfa-enroll", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var userID, email, code string
	cmd.StringVar(&userID, "user", "", "User ID (REQUIRED)")
	cmd.StringVar(&email, "email", "", "User email (REQUIRED)")
	cmd.StringVar(&code, "code", "", "Current TOTP code; enables MFA for signing instead of enrolling")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if userID == "" || (email == "" && code == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --user and --email are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)
	if svc.Gate == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", errMFAKeyRequired)
		return 2
	}

	if code != "" {
		if err := svc.Gate.Enable(ctx, userID, code, mfa.PurposeSigning); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "%s✅ MFA enabled for signing%s\n", ColorGreen, ColorReset)
		return 0
	}

	enrollment, err := svc.Gate.Enroll(ctx, userID, email)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Secret:       %s\n", enrollment.Secret)
	_, _ = fmt.Fprintf(stdout, "OTPAuth URL:  %s\n", enrollment.URL)
	_, _ = fmt.Fprintln(stdout, "Backup codes:")
	for _, c := range enrollment.BackupCodes {
		_, _ = fmt.Fprintf(stdout, "  %s\n", c)
	}
	_, _ = fmt.Fprintf(stdout, "\n%sStore these now. They are not shown again.%s\n", ColorBold+ColorYellow, ColorReset)
	_, _ = fmt.Fprintf(stdout, "Then run: multisigner mfa-enroll --user %s --code <6 digits>\n", userID)
	return 0
}
