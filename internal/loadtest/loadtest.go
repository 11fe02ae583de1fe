// Package loadtest drives repeated sync sessions between two local stores.
//
// A seeded store is synced into an empty one, then both sides edit disjoint
// sets of files and sync again, round after round. Session latency is
// recorded for every round and the stores are checked for convergence at the
// end.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/sync"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/transport"
)

// Options sizes the generated data set.
type Options struct {
	// Folders to create (default: 5)
	Folders int

	// Files to create, spread across the folders (default: 50)
	Files int

	// FileSize is the content length of every file in bytes (default: 64KiB)
	FileSize int

	// Seed makes generated content reproducible
	Seed int64

	// Logger for store activity (default: stderr logger)
	Logger *log.Logger
}

func (o *Options) withDefaults() {
	if o.Folders <= 0 {
		o.Folders = 5
	}
	if o.Files <= 0 {
		o.Files = 50
	}
	if o.FileSize <= 0 {
		o.FileSize = 64 * 1024
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
}

// TestStore is a store populated for load testing.
type TestStore struct {
	Store     *store.SQLite
	FolderIDs []string
	FileIDs   []string

	fileSize int
	rng      *rand.Rand
}

// LatencyStats captures session timings from a load test.
type LatencyStats struct {
	Min           time.Duration
	Max           time.Duration
	Mean          time.Duration
	P50           time.Duration // Median
	P95           time.Duration
	P99           time.Duration
	TotalSessions int
	Errors        int
	FilesMoved    int
	Durations     []time.Duration
}

var fileTypes = []string{"text", "image", "binary"}

// CreateTestStore opens a store at path and fills it with folders and files.
//
// File types rotate through text, image and binary so both content kinds are
// exercised. Text files hold printable characters only.
func CreateTestStore(path string, opts Options) (*TestStore, error) {
	opts.withDefaults()

	st, err := store.Open(path, store.WithLogger(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ts := &TestStore{
		Store:    st,
		fileSize: opts.FileSize,
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}
	ctx := context.Background()

	for i := 0; i < opts.Folders; i++ {
		f, err := st.SaveFolder(ctx, store.FolderRecord{Name: fmt.Sprintf("folder-%03d", i)})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create folder %d: %w", i, err)
		}
		ts.FolderIDs = append(ts.FolderIDs, f.ID)
	}

	for i := 0; i < opts.Files; i++ {
		typ := fileTypes[i%len(fileTypes)]
		f, err := st.SaveFile(ctx, store.FileRecord{
			Name:     fmt.Sprintf("file-%05d.%s", i, typ),
			Type:     typ,
			FolderID: ts.FolderIDs[i%len(ts.FolderIDs)],
			Content:  ts.content(typ),
			Tags:     []string{"loadtest", fmt.Sprintf("batch-%d", i/100)},
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create file %d: %w", i, err)
		}
		ts.FileIDs = append(ts.FileIDs, f.ID)
	}

	return ts, nil
}

// OpenEmpty opens an empty store that will receive files from seed.
func OpenEmpty(path string, seed *TestStore, logger *log.Logger) (*TestStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
	st, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &TestStore{
		Store:     st,
		FolderIDs: seed.FolderIDs,
		FileIDs:   seed.FileIDs,
		fileSize:  seed.fileSize,
		rng:       rand.New(rand.NewSource(seed.rng.Int63())),
	}, nil
}

// Close closes the underlying store.
func (ts *TestStore) Close() error {
	if ts.Store != nil {
		return ts.Store.Close()
	}
	return nil
}

func (ts *TestStore) content(fileType string) chunk.Content {
	buf := make([]byte, ts.fileSize)
	if chunk.KindForType(fileType) == chunk.KindText {
		const letters = "abcdefghijklmnopqrstuvwxyz \n"
		for i := range buf {
			buf[i] = letters[ts.rng.Intn(len(letters))]
		}
		return chunk.Text(string(buf))
	}
	ts.rng.Read(buf)
	return chunk.Binary(buf)
}

// Edit rewrites the content of up to n files whose index in FileIDs has the
// given parity (0 or 1), so two stores editing opposite parities never touch
// the same file. It returns the ids edited.
func (ts *TestStore) Edit(ctx context.Context, n, parity int) ([]string, error) {
	var candidates []string
	for i, id := range ts.FileIDs {
		if i%2 == parity {
			candidates = append(candidates, id)
		}
	}
	ts.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	edited := candidates[:min(n, len(candidates))]
	for _, id := range edited {
		f, err := ts.Store.FileRaw(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load file %s: %w", id, err)
		}
		f.Content = ts.content(f.Type)
		if _, err := ts.Store.SaveFile(ctx, *f); err != nil {
			return nil, fmt.Errorf("failed to edit file %s: %w", id, err)
		}
	}
	return edited, nil
}

// SyncOnce runs one session between a and b over an in-memory pipe. Both
// sessions use config. A failure on either side closes the pipe so the other
// side returns too.
func SyncOnce(ctx context.Context, a, b *TestStore, config *sync.Config) (*sync.Summary, *sync.Summary, error) {
	ta, tb := transport.Pipe()
	defer ta.Close()

	type result struct {
		summary *sync.Summary
		err     error
	}
	run := func(st *store.SQLite, tr transport.Transport, out chan<- result) {
		s, err := sync.New(st, tr, config).Run(ctx)
		if err != nil {
			_ = tr.Close()
		}
		out <- result{s, err}
	}

	ra := make(chan result, 1)
	rb := make(chan result, 1)
	go run(a.Store, ta, ra)
	go run(b.Store, tb, rb)
	resA, resB := <-ra, <-rb

	switch {
	case resA.err != nil:
		return nil, nil, fmt.Errorf("first store failed: %w", resA.err)
	case resB.err != nil:
		return nil, nil, fmt.Errorf("second store failed: %w", resB.err)
	}
	return resA.summary, resB.summary, nil
}

// RunSyncRounds syncs b from a, then runs rounds of edits and syncs. In each
// round a edits files at even indexes and b at odd ones, editsPerRound each.
// Failed sessions are counted, not fatal.
func RunSyncRounds(ctx context.Context, a, b *TestStore, rounds, editsPerRound int, config *sync.Config) (*LatencyStats, error) {
	var (
		durations []time.Duration
		failed    int
		moved     int
	)

	for round := 0; round <= rounds; round++ {
		if round > 0 {
			// Change lists hold entries newer than the checkpoint, which has
			// millisecond resolution.
			time.Sleep(2 * time.Millisecond)
			if _, err := a.Edit(ctx, editsPerRound, 0); err != nil {
				return nil, err
			}
			if _, err := b.Edit(ctx, editsPerRound, 1); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		sa, sb, err := SyncOnce(ctx, a, b, config)
		durations = append(durations, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			continue
		}
		moved += sa.FilesReceived + sb.FilesReceived
	}

	stats := computeLatencyStats(durations)
	stats.Errors = failed
	stats.FilesMoved = moved
	return stats, nil
}

// VerifyConverged checks that both stores hold the same folders and files
// with identical content.
func VerifyConverged(ctx context.Context, a, b *store.SQLite) error {
	fa, err := a.ListFolders(ctx)
	if err != nil {
		return err
	}
	fb, err := b.ListFolders(ctx)
	if err != nil {
		return err
	}
	if len(fa) != len(fb) {
		return fmt.Errorf("folder count differs: %d vs %d", len(fa), len(fb))
	}
	for i := range fa {
		if fa[i].ID != fb[i].ID || fa[i].Name != fb[i].Name || fa[i].ParentID != fb[i].ParentID {
			return fmt.Errorf("folder %s differs", fa[i].ID)
		}
	}

	la, err := a.ListFiles(ctx)
	if err != nil {
		return err
	}
	lb, err := b.ListFiles(ctx)
	if err != nil {
		return err
	}
	if len(la) != len(lb) {
		return fmt.Errorf("file count differs: %d vs %d", len(la), len(lb))
	}
	for i := range la {
		x, y := la[i], lb[i]
		if x.ID != y.ID {
			return fmt.Errorf("file sets differ at %s / %s", x.ID, y.ID)
		}
		if x.Content.Kind != y.Content.Kind || chunk.Checksum(x.Content.Data) != chunk.Checksum(y.Content.Data) {
			return fmt.Errorf("file %s content differs", x.ID)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:           sorted[0],
		Max:           sorted[len(sorted)-1],
		Mean:          sum / time.Duration(len(durations)),
		P50:           sorted[len(sorted)*50/100],
		P95:           sorted[len(sorted)*95/100],
		P99:           sorted[len(sorted)*99/100],
		TotalSessions: len(durations),
		Durations:     sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Session Latency:\n")
	fmt.Fprintf(w, "  Sessions:      %d\n", s.TotalSessions)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Files moved:   %d\n", s.FilesMoved)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
