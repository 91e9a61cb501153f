// Stand-in for the remote scanning API, for running the e2e suite and
// trying the CLI without a real backend. It accepts the built-in test
// account and serves scripted scan statuses and findings.
package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/nimiglory/cyra/internal/testutil"
)

func main() {
	addr := os.Getenv("MOCKAPI_ADDR")
	if addr == "" {
		addr = ":18080"
	}

	api := testutil.New()

	// Comma-separated status script, e.g. "pending,running,completed".
	if script := os.Getenv("MOCKAPI_STATUSES"); script != "" {
		api.SetStatuses(strings.Split(script, ",")...)
	} else {
		api.SetStatuses("pending", "running", "running", "completed")
	}

	// MOCKAPI_FINDINGS names a JSON file served for every timeframe.
	if path := os.Getenv("MOCKAPI_FINDINGS"); path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("reading findings: %v", err)
		}
		for _, tf := range []string{"30d", "1w", "2d", "last"} {
			api.SetFindings(tf, string(body))
		}
	} else {
		for _, tf := range []string{"30d", "1w", "2d", "last"} {
			api.SetFindings(tf, sampleFindings)
		}
	}

	log.Printf("mock API listening on %s%s (account %s / %s)",
		addr, testutil.Prefix, testutil.DefaultEmail, testutil.DefaultPassword)
	if err := http.ListenAndServe(addr, logRequests(api.Handler())); err != nil {
		log.Fatal(err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

const sampleFindings = `[
  {"id": "f-101", "site": "https://shop.example.com", "vulnerability": "SQL Injection",
   "severity": "High", "recommendation": "Use parameterized queries", "created_at": "2026-01-12T09:30:00Z"},
  {"id": "f-102", "site": "https://shop.example.com/search", "vulnerability": "Reflected XSS",
   "severity": "Medium", "recommendation": "Encode output in HTML context"},
  {"id": "f-103", "url": "https://blog.example.com", "title": "Missing security headers",
   "risk": "low"}
]`
