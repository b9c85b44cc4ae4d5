package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/signtusk/multisigner/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `multisigner doctor`: configuration and
// dependency checks without starting the server.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	results = append(results, configChecks(cfg)...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc, err := NewServices(ctx, cfg, config.DefaultPolicy(), setupLogger("ERROR"))
	if err != nil {
		results = append(results, checkResult{Name: "dependencies", Status: "fail", Detail: err.Error()})
	} else {
		defer svc.Close(context.Background())
		results = append(results, dependencyChecks(ctx, svc)...)
	}

	if pol, err := config.LoadPolicy(cfg.PolicyFile); err != nil {
		results = append(results, checkResult{Name: "policy", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "policy", Status: "ok",
			Detail: fmt.Sprintf("default mode %s, expiry %s", pol.Signing.DefaultMode, pol.Signing.DefaultExpiry)})
	}

	return printDoctor(stdout, results)
}

func configChecks(cfg *config.Config) []checkResult {
	var out []checkResult
	if cfg.LiteMode() {
		out = append(out, checkResult{Name: "database", Status: "warn", Detail: "DATABASE_URL not set, lite mode (SQLite)"})
	} else {
		out = append(out, checkResult{Name: "database", Status: "ok", Detail: "postgres"})
	}
	if _, err := cfg.MFAKey(); err != nil {
		out = append(out, checkResult{Name: "mfa_master_key", Status: "fail", Detail: err.Error()})
	} else {
		out = append(out, checkResult{Name: "mfa_master_key", Status: "ok", Detail: "32 bytes"})
	}
	if len(cfg.JWTSecret) < 32 {
		out = append(out, checkResult{Name: "jwt_secret", Status: "fail", Detail: "JWT_SECRET must be at least 32 bytes"})
	} else {
		out = append(out, checkResult{Name: "jwt_secret", Status: "ok", Detail: "set"})
	}
	return out
}

func dependencyChecks(ctx context.Context, svc *Services) []checkResult {
	var out []checkResult
	if err := svc.Store.DB().PingContext(ctx); err != nil {
		out = append(out, checkResult{Name: "database_ping", Status: "fail", Detail: err.Error()})
	} else {
		out = append(out, checkResult{Name: "database_ping", Status: "ok", Detail: string(svc.Store.Dialect())})
	}

	ref, err := svc.Artifacts.Put(ctx, "doctor/probe.json", []byte(`{"probe":true}`))
	if err == nil {
		_, err = svc.Artifacts.Fetch(ctx, ref)
	}
	if err != nil {
		out = append(out, checkResult{Name: "artifact_store", Status: "fail", Detail: err.Error()})
	} else {
		out = append(out, checkResult{Name: "artifact_store", Status: "ok", Detail: storeTypeName(svc.Config.Artifacts.Type)})
	}

	if svc.Redis == nil {
		out = append(out, checkResult{Name: "redis", Status: "warn", Detail: "REDIS_URL not set, per-process rate limits"})
	} else {
		out = append(out, checkResult{Name: "redis", Status: "ok", Detail: "connected"})
	}
	return out
}

func printDoctor(stdout io.Writer, results []checkResult) int {
	allOK := true
	fmt.Fprintf(stdout, "\n%sMultisigner Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "──────────────────")
	for _, r := range results {
		icon := "✅"
		switch r.Status {
		case "warn":
			icon = "⚠️ "
		case "fail":
			icon = "❌"
			allOK = false
		}
		fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. Ready to collect signatures.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}
