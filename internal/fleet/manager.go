package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/melih-ucgun/rumi/internal/core"
)

// Dialer opens a connection to the named host.
type Dialer func(ctx context.Context, host string) (core.Transport, error)

// Job is the work done on one host over its own connection. The returned
// string is a short summary for display.
type Job func(ctx context.Context, host string, remote core.Transport) (string, error)

// Result is the outcome for one host.
type Result struct {
	Host     string
	Summary  string
	Err      error
	Duration time.Duration
}

// FleetManager runs a job across several hosts in parallel, one connection
// per worker.
type FleetManager struct {
	Hosts          []string
	Concurrency    int
	ConnectTimeout time.Duration
	Dial           Dialer
	Logger         *slog.Logger
}

const DefaultConcurrency = 4

// NewFleetManager creates a new FleetManager.
func NewFleetManager(hosts []string, dial Dialer, concurrency int) *FleetManager {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &FleetManager{
		Hosts:          hosts,
		Concurrency:    concurrency,
		ConnectTimeout: 30 * time.Second,
		Dial:           dial,
		Logger:         slog.Default(),
	}
}

// Each runs job on every host and returns the results in host order. A host
// that fails to connect or whose job fails does not stop the others.
func (f *FleetManager) Each(ctx context.Context, job Job) []Result {
	results := make([]Result, len(f.Hosts))
	sem := make(chan struct{}, max(f.Concurrency, 1)) // Semaphore for concurrency control
	var wg sync.WaitGroup

	f.Logger.Info("fleet run started", "hosts", len(f.Hosts), "concurrency", cap(sem))

	for i, host := range f.Hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}: // Acquire
			case <-ctx.Done():
				results[i] = Result{Host: host, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }() // Release

			start := time.Now()
			summary, err := f.runHost(ctx, host, job)
			results[i] = Result{Host: host, Summary: summary, Err: err, Duration: time.Since(start)}
			if err != nil {
				f.Logger.Error("host failed", "host", host, "error", err)
				return
			}
			f.Logger.Info("host completed", "host", host, "summary", summary)
		}()
	}

	wg.Wait()
	return results
}

func (f *FleetManager) runHost(ctx context.Context, host string, job Job) (string, error) {
	dialCtx := ctx
	if f.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.ConnectTimeout)
		defer cancel()
	}

	remote, err := f.Dial(dialCtx, host)
	if err != nil {
		return "", fmt.Errorf("[%s] connection failed: %w", host, err)
	}
	defer remote.Close()

	summary, err := job(ctx, host, remote)
	if err != nil {
		return summary, fmt.Errorf("[%s] %w", host, err)
	}
	return summary, nil
}

// Err collects the failures in results, or returns nil when every host
// succeeded.
func Err(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("fleet execution failed on %d of %d hosts: %w", len(errs), len(results), errors.Join(errs...))
}
