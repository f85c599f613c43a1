package aggregator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/storage"
)

type stubFetcher struct {
	fail map[string]bool
}

func (f stubFetcher) Fetch(_ context.Context, ref, dir, name string) (string, error) {
	if f.fail[ref] {
		return "", errors.New("404")
	}
	path := filepath.Join(dir, name+".mp4")
	return path, os.WriteFile(path, []byte(ref), 0o644)
}

// recordingCombiner writes the ordered input contents to output.
type recordingCombiner struct {
	calls int
	err   error
}

func (c *recordingCombiner) Combine(_ context.Context, inputs []string, output string) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	var parts []string
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		parts = append(parts, string(b))
	}
	return os.WriteFile(output, []byte(strings.Join(parts, "|")), 0o644)
}

func subJob(n int, status models.SubJobStatus) models.SubJob {
	sj := models.SubJob{Number: n, Status: status}
	if status == models.SubJobSucceeded {
		sj.ArtifactRef = models.StringPtr("clip" + string(rune('0'+n)))
	}
	return sj
}

func TestAggregateOrdersByNumberAndExcludesFailures(t *testing.T) {
	out := t.TempDir()
	comb := &recordingCombiner{}
	agg := New(stubFetcher{}, comb, storage.NewLocalUploader(out), t.TempDir())

	// Completion order differs from sub_job_number order.
	subJobs := []models.SubJob{
		subJob(5, models.SubJobSucceeded),
		subJob(2, models.SubJobFailed),
		subJob(1, models.SubJobSucceeded),
		subJob(4, models.SubJobTimedOut),
		subJob(3, models.SubJobSucceeded),
	}
	res, err := agg.Aggregate(context.Background(), "job-1", subJobs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, res.Included)
	assert.Equal(t, []int{2, 4}, res.Excluded)

	got, err := os.ReadFile(res.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "clip1|clip3|clip5", string(got))
	assert.Equal(t, filepath.Join(out, "jobs", "job-1", "final.mp4"), res.OutputRef)
}

func TestAggregateZeroSuccessesSkipsCombiner(t *testing.T) {
	comb := &recordingCombiner{}
	agg := New(stubFetcher{}, comb, storage.NewLocalUploader(t.TempDir()), t.TempDir())

	res, err := agg.Aggregate(context.Background(), "job-1", []models.SubJob{
		subJob(1, models.SubJobFailed),
		subJob(2, models.SubJobTimedOut),
	})
	require.ErrorIs(t, err, ErrNoSuccesses)
	assert.Equal(t, 0, comb.calls)
	assert.Empty(t, res.Included)
	assert.Equal(t, []int{1, 2}, res.Excluded)
}

func TestCombineFailureIsAggregationError(t *testing.T) {
	comb := &recordingCombiner{err: errors.New("exit status 1")}
	agg := New(stubFetcher{}, comb, storage.NewLocalUploader(t.TempDir()), t.TempDir())

	_, err := agg.Aggregate(context.Background(), "job-1", []models.SubJob{subJob(1, models.SubJobSucceeded)})
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "combine", aggErr.Stage)
	assert.Equal(t, 1, comb.calls)
}

func TestFetchFailureIsAggregationError(t *testing.T) {
	comb := &recordingCombiner{}
	agg := New(stubFetcher{fail: map[string]bool{"clip3": true}}, comb, storage.NewLocalUploader(t.TempDir()), t.TempDir())

	_, err := agg.Aggregate(context.Background(), "job-1", []models.SubJob{
		subJob(1, models.SubJobSucceeded),
		subJob(3, models.SubJobSucceeded),
	})
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "fetch", aggErr.Stage)
	assert.Equal(t, 0, comb.calls)
}

func TestHTTPFetcherDownloadsAndLimitsSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/small.mp4":
			_, _ = w.Write([]byte("0123456789"))
		case "/big.mp4":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(0, 32, "")
	dir := t.TempDir()

	path, err := f.Fetch(context.Background(), srv.URL+"/small.mp4", dir, "clip-001")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip-001.mp4"), path)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))

	_, err = f.Fetch(context.Background(), srv.URL+"/big.mp4", dir, "clip-002")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.mp4", dir, "clip-003")
	require.Error(t, err)

	_, err = f.Fetch(context.Background(), "mem://clips/1.mp4", dir, "clip-004")
	require.Error(t, err)
}

func TestHTTPFetcherCopiesLocalFilesUnderRoot(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.mov")
	require.NoError(t, os.WriteFile(src, []byte("mov"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.mp4"), []byte("mp4"), 0o644))
	f := NewHTTPFetcher(0, 0, root)

	path, err := f.Fetch(context.Background(), "file://"+src, t.TempDir(), "clip-001")
	require.NoError(t, err)
	assert.Equal(t, ".mov", filepath.Ext(path))

	path, err = f.Fetch(context.Background(), "b.mp4", t.TempDir(), "clip-002")
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(b))
}

func TestHTTPFetcherRefusesLocalFilesOutsideRoot(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	root := t.TempDir()
	dir := t.TempDir()

	_, err := NewHTTPFetcher(0, 0, "").Fetch(context.Background(), "file://"+outside, dir, "clip-001")
	assert.ErrorIs(t, err, ErrLocalArtifact)

	f := NewHTTPFetcher(0, 0, root)
	_, err = f.Fetch(context.Background(), "file://"+outside, dir, "clip-002")
	assert.ErrorIs(t, err, ErrLocalArtifact)

	rel, err := filepath.Rel(root, outside)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), rel, dir, "clip-003")
	assert.ErrorIs(t, err, ErrLocalArtifact)

	link := filepath.Join(root, "link.mp4")
	require.NoError(t, os.Symlink(outside, link))
	_, err = f.Fetch(context.Background(), link, dir, "clip-004")
	assert.ErrorIs(t, err, ErrLocalArtifact)
}

func TestConcatListQuotesPaths(t *testing.T) {
	list := concatList([]string{"/tmp/a.mp4", "/tmp/it's.mp4"})
	assert.Equal(t, "file '/tmp/a.mp4'\nfile '/tmp/it'\\''s.mp4'\n", list)
}

func TestFFmpegCombinerSurfacesToolFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o644))

	err := NewFFmpegCombiner("false").Combine(context.Background(), []string{in}, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)

	err = NewFFmpegCombiner("true").Combine(context.Background(), []string{in}, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")
}

func TestValidatePath(t *testing.T) {
	assert.ErrorIs(t, validatePath(""), ErrEmptyPath)
	assert.ErrorIs(t, validatePath("/tmp/\x00x.mp4"), ErrInvalidPath)
	assert.NoError(t, validatePath("/tmp/my video.mp4"))
}

func TestNumbers(t *testing.T) {
	assert.Equal(t, "1,3,5", Numbers([]int{1, 3, 5}))
	assert.Equal(t, "", Numbers(nil))
}
