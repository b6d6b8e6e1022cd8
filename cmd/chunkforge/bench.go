package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkforge/chunkforge/internal/proc"
	"github.com/chunkforge/chunkforge/internal/world"
	"github.com/chunkforge/chunkforge/pkg/bytesize"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/chunkproc"
)

var (
	benchRequests int
	benchClients  int
	benchRadius   int32
	benchSeed     int64
	benchChurn    float64
	benchBudget   string
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run synthetic load against an in-process service",
		Long: `bench spins up an in-memory world and processing service, then fires
random occupancy and surface requests at it from concurrent clients.
A fraction of iterations edit the target chunk first, so some requests
race version changes and resolve as superseded or unavailable.`,
		RunE: runBench,
	}
	cmd.Flags().IntVar(&benchRequests, "requests", 10000, "total requests to issue")
	cmd.Flags().IntVar(&benchClients, "clients", 8, "concurrent client goroutines")
	cmd.Flags().Int32Var(&benchRadius, "radius", 8, "world radius in chunks")
	cmd.Flags().Int64Var(&benchSeed, "seed", 1, "world generation seed")
	cmd.Flags().Float64Var(&benchChurn, "churn", 0.05, "fraction of iterations that edit the chunk first")
	cmd.Flags().StringVar(&benchBudget, "cache-budget", "64MB", "artifact cache budget")
	return cmd
}

// benchTally accumulates per-status counts across client goroutines.
type benchTally struct {
	mu       sync.Mutex
	byStatus map[chunkproc.Status]int
	waitErrs int
}

func (t *benchTally) record(status chunkproc.Status) {
	t.mu.Lock()
	t.byStatus[status]++
	t.mu.Unlock()
}

func runBench(cmd *cobra.Command, args []string) error {
	setupLogging()

	budget, err := bytesize.Parse(benchBudget)
	if err != nil {
		return fmt.Errorf("cache-budget: %w", err)
	}

	w := world.New(world.Config{Seed: benchSeed, Radius: benchRadius}, log.Logger)
	svc := chunkproc.New(w, w, chunkproc.Config{
		CacheBudgetBytes: budget,
		Logger:           log.Logger,
	})
	defer svc.Close()

	tally := &benchTally{byStatus: make(map[chunkproc.Status]int)}
	perClient := benchRequests / benchClients
	if perClient < 1 {
		perClient = 1
	}

	log.Info().
		Int("requests", perClient*benchClients).
		Int("clients", benchClients).
		Float64("churn", benchChurn).
		Msg("bench starting")

	start := time.Now()
	var wg sync.WaitGroup
	for c := 0; c < benchClients; c++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(benchSeed + int64(id)))
			benchClient(cmd.Context(), svc, w, rng, perClient, tally)
		}(c)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := perClient * benchClients
	fmt.Printf("\n%d requests in %v (%.0f req/s)\n", total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	for _, s := range []chunkproc.Status{
		chunkproc.StatusSuccess,
		chunkproc.StatusSuperseded,
		chunkproc.StatusCanceled,
		chunkproc.StatusFailed,
		chunkproc.StatusUnavailable,
	} {
		if n := tally.byStatus[s]; n > 0 {
			fmt.Printf("  %-12s %d\n", s.String(), n)
		}
	}
	if tally.waitErrs > 0 {
		fmt.Printf("  %-12s %d\n", "wait errors", tally.waitErrs)
	}

	cs := svc.CacheStats()
	fmt.Printf("cache: %d entries, %s resident, %d hits, %d misses, %d evictions\n",
		cs.Entries, bytesize.Format(cs.ResidentBytes), cs.Hits, cs.Misses, cs.Evictions)
	ss := svc.SnapshotStats()
	fmt.Printf("snapshots: %d builds, %d failures, %d unavailable\n",
		ss.Builds, ss.BuildFailures, ss.Unavailable)
	fmt.Printf("world: %d chunks materialized\n", w.ChunkCount())
	return nil
}

func benchClient(ctx context.Context, svc *chunkproc.Service, w *world.World, rng *rand.Rand, n int, tally *benchTally) {
	randKey := func() chunkkey.ChunkKey {
		span := int32(2*benchRadius + 1)
		return chunkkey.FromCoords(
			rng.Int31n(span)-benchRadius,
			rng.Int31n(2),
			rng.Int31n(span)-benchRadius,
		)
	}

	for i := 0; i < n; i++ {
		key := randKey()
		version := w.CurrentVersion(key)

		if rng.Float64() < benchChurn {
			version = w.Edit(key, rng.Intn(world.ChunkW), rng.Intn(world.ChunkH), rng.Intn(world.ChunkD), world.Stone)
		}

		var status chunkproc.Status
		var err error
		if rng.Intn(2) == 0 {
			var res chunkproc.WorkResult[*proc.Occupancy]
			res, err = chunkproc.Request(ctx, svc, key, version, proc.OccupancyProcessor{}).Wait(ctx)
			status = res.Status
		} else {
			var res chunkproc.WorkResult[*proc.Surface]
			res, err = chunkproc.Request(ctx, svc, key, version, proc.SurfaceProcessor{}).Wait(ctx)
			status = res.Status
		}
		if err != nil {
			tally.mu.Lock()
			tally.waitErrs++
			tally.mu.Unlock()
			return
		}
		tally.record(status)
	}
}
