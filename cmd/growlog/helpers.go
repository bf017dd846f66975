package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	growlog "github.com/growlog-io/growlog-go"
)

// getClient builds an authenticated client from the stored configuration and
// runs Init. It exits the process on misconfiguration.
func getClient(ctx context.Context) *growlog.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'growlog init <access-token>' first.")
		os.Exit(1)
	}

	opts := []growlog.ClientOption{
		growlog.WithCredential(&growlog.AuthCredential{
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
		}),
		growlog.WithStore(mustFileStore()),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, growlog.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.CacheTTL != "" {
		if ttl, err := time.ParseDuration(cfg.Default.CacheTTL); err == nil {
			opts = append(opts, growlog.WithCacheTTL(ttl))
		}
	}
	if cfg.Default.MaxRetries > 0 {
		opts = append(opts, growlog.WithRetryPolicy(growlog.RetryPolicy{MaxRetries: cfg.Default.MaxRetries}))
	}

	client := growlog.NewClient(opts...)
	if err := client.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}
	return client
}

// mustFileStore opens the durable store under ~/.growlog, exiting on failure.
func mustFileStore() growlog.BlobStore {
	store, err := growlog.NewFileStore("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be > 0")
	}
	return n, nil
}
