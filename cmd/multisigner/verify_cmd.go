package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/verify"
)

// runVerifyCmd implements `multisigner verify`.
//
// Runs the public verification of a signing request against the configured
// database and artifact store. Supports auditor mode via --json-out.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestID   string
		jsonOutput  bool
		jsonOutFile string
	)

	cmd.StringVar(&requestID, "request", "", "Signing request ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write structured verification report to file (auditor mode)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if requestID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request is required")
		return 2
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, config.Load(), stderr)
	if !ok {
		return 2
	}
	defer svc.Close(ctx)

	report, err := svc.Verifier.Verify(ctx, requestID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if writeErr := os.WriteFile(jsonOutFile, data, 0644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write verification report: %v\n", writeErr)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Verification report written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printVerification(stdout, report)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func printVerification(w io.Writer, r *verify.Result) {
	if r.Valid {
		_, _ = fmt.Fprintf(w, "✅ Signing request verification PASSED\n")
	} else {
		_, _ = fmt.Fprintf(w, "❌ Signing request verification FAILED (%s)\n", r.Reason)
	}
	_, _ = fmt.Fprintf(w, "Request:  %s\n", r.RequestID)
	_, _ = fmt.Fprintf(w, "Title:    %s\n", r.Title)
	_, _ = fmt.Fprintf(w, "Status:   %s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Trail:    %s\n", r.TrailDigest)
	for _, s := range r.Signers {
		_, _ = fmt.Fprintf(w, "  %d. %-30s %s\n", s.Order, s.Email, s.Status)
	}
	for _, c := range r.Checks {
		if !c.Pass {
			_, _ = fmt.Fprintf(w, "  - %s: %s\n", c.Name, c.Detail)
		}
	}
}
