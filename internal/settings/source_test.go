package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestSourceReturnsIsolatedCopies(t *testing.T) {
	t.Parallel()

	initial := crawler.DownloaderSettings{Cookie: "c", MaxTasks: 3, Targets: []crawler.Target{{URL: "a"}}}
	src := NewSource(initial, nil)
	initial.Targets[0].URL = "mutated"

	got, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got.Targets[0].URL)

	got.Targets[0].URL = "changed"
	again, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", again.Targets[0].URL)
	require.Empty(t, src.Redacted().Cookie)
}

func TestSourceReplace(t *testing.T) {
	t.Parallel()

	src := NewSource(crawler.DownloaderSettings{Cookie: "old", MaxTasks: 3}, nil)
	before, err := src.Load(context.Background())
	require.NoError(t, err)

	src.Replace(crawler.DownloaderSettings{Cookie: "new", MaxTasks: 5})
	after, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new", after.Cookie)
	require.Equal(t, 5, after.MaxTasks)
	require.Equal(t, "old", before.Cookie)
}
