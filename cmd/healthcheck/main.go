// Command healthcheck probes the local /healthz endpoint for container health checks.
// HEALTHCHECK_URL overrides the default http://localhost:3000/healthz.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	target := os.Getenv("HEALTHCHECK_URL")
	if target == "" {
		target = "http://localhost:3000/healthz"
	}
	os.Exit(probe(context.Background(), &http.Client{Timeout: 3 * time.Second}, target))
}

// probe returns the process exit code for one GET of target.
func probe(ctx context.Context, client *http.Client, target string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
