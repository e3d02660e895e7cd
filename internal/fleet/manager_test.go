package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih-ucgun/rumi/internal/backup"
	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/melih-ucgun/rumi/internal/transport"
)

func quietManager(hosts []string, dial Dialer, concurrency int) *FleetManager {
	f := NewFleetManager(hosts, dial, concurrency)
	f.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return f
}

func TestEach_ResultsInHostOrder(t *testing.T) {
	remotes := map[string]*transport.MockTransport{
		"a": transport.NewMockTransport(),
		"b": transport.NewMockTransport(),
		"c": transport.NewMockTransport(),
	}
	dial := func(_ context.Context, host string) (core.Transport, error) {
		if host == "b" {
			return nil, &core.ConnectionError{Addr: "b:22", Err: errors.New("connection refused")}
		}
		return remotes[host], nil
	}

	f := quietManager([]string{"a", "b", "c"}, dial, 2)
	results := f.Each(context.Background(), func(ctx context.Context, host string, r core.Transport) (string, error) {
		out, err := r.RunChecked(ctx, "echo "+host)
		return out.Stdout, err
	})

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Host)
	assert.Equal(t, "a\n", results[0].Summary)
	assert.NoError(t, results[0].Err)

	var connErr *core.ConnectionError
	assert.ErrorAs(t, results[1].Err, &connErr)
	assert.Equal(t, "c\n", results[2].Summary)

	assert.True(t, remotes["a"].Closed())
	assert.True(t, remotes["c"].Closed())

	err := Err(results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed on 1 of 3 hosts")
}

func TestEach_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	dial := func(context.Context, string) (core.Transport, error) {
		return transport.NewMockTransport(), nil
	}

	hosts := make([]string, 8)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("h%d", i)
	}
	f := quietManager(hosts, dial, 3)
	results := f.Each(context.Background(), func(context.Context, string, core.Transport) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return "", nil
	})

	assert.NoError(t, Err(results))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestEach_JobErrorsAreWrappedWithHost(t *testing.T) {
	dial := func(context.Context, string) (core.Transport, error) {
		return transport.NewMockTransport(), nil
	}
	f := quietManager([]string{"prod"}, dial, 1)
	results := f.Each(context.Background(), func(ctx context.Context, _ string, r core.Transport) (string, error) {
		_, err := r.RunChecked(ctx, "systemctl reload nginx")
		return "", err
	})

	var execErr *core.CommandExecutionError
	require.ErrorAs(t, results[0].Err, &execErr)
	assert.Contains(t, results[0].Err.Error(), "[prod]")
}

func TestEach_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dial := func(context.Context, string) (core.Transport, error) {
		return transport.NewMockTransport(), nil
	}
	f := quietManager([]string{"a", "b"}, dial, 1)
	results := f.Each(ctx, func(ctx context.Context, _ string, r core.Transport) (string, error) {
		_, err := r.Run(ctx, "true")
		return "", err
	})

	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestEach_RetentionSweep(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	remotes := map[string]*transport.MockTransport{}
	for _, host := range []string{"web1", "web2"} {
		m := transport.NewMockTransport()
		old := backup.Record{
			ID: host + "-old", DeploymentName: "blog", Domain: "blog.example.com",
			CreatedAt: now.AddDate(0, 0, -40), Kind: backup.KindWebsite,
			ArtifactPath: "/var/backups/rumi/blog_old/blog.tar.gz",
		}
		data, err := backup.Encode(old)
		require.NoError(t, err)
		m.WriteFile("/var/backups/rumi/metadata/"+old.ID+".json", data)
		m.WriteFile(old.ArtifactPath, []byte("archive"))
		remotes[host] = m
	}

	dial := func(_ context.Context, host string) (core.Transport, error) { return remotes[host], nil }
	f := quietManager([]string{"web1", "web2"}, dial, 2)
	results := f.Each(context.Background(), func(ctx context.Context, _ string, r core.Transport) (string, error) {
		store := backup.NewStore(r, backup.WithClock(func() time.Time { return now }))
		n, err := store.CleanupOldBackups(ctx, 30)
		return fmt.Sprintf("%d removed", n), err
	})

	require.NoError(t, Err(results))
	for _, r := range results {
		assert.Equal(t, "1 removed", r.Summary)
		assert.Empty(t, remotes[r.Host].Files("/var/backups/rumi"))
	}
}
