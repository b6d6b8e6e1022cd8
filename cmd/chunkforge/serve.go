package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chunkforge/chunkforge/internal/config"
	"github.com/chunkforge/chunkforge/internal/metrics"
	"github.com/chunkforge/chunkforge/internal/proc"
	"github.com/chunkforge/chunkforge/internal/world"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/chunkproc"
)

var churnInterval time.Duration

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the processing daemon",
		RunE:  runServe,
	}
	cmd.Flags().DurationVar(&churnInterval, "churn", 0,
		"apply a random world edit at this interval (0 disables)")
	return cmd
}

// churnLoop mutates random voxels so the daemon exercises version
// supersession even without edit traffic. Used for demos and soak runs.
func churnLoop(ctx context.Context, w *world.World, radius int32, interval time.Duration) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	span := 2*radius + 1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			key := chunkkey.FromCoords(rng.Int31n(span)-radius, rng.Int31n(2), rng.Int31n(span)-radius)
			version := w.Edit(key, rng.Intn(world.ChunkW), rng.Intn(world.ChunkH), rng.Intn(world.ChunkD), world.Stone)
			log.Debug().Stringer("chunk", key).Int64("version", version).Msg("churn edit")
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.LogLevel
	}
	setupLogging()

	w := world.New(world.Config{Seed: cfg.World.Seed, Radius: cfg.World.Radius}, log.Logger)

	svc := chunkproc.New(w, w, chunkproc.Config{
		Workers:          cfg.Service.Workers,
		QueueSize:        cfg.Service.QueueSize,
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		CacheBudgetBytes: cfg.CacheBudgetBytes(),
		Registry:         metrics.Registry,
		Logger:           log.Logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /v1/chunk/occupancy", handleOccupancy(svc, w))
	mux.HandleFunc("GET /v1/chunk/surface", handleSurface(svc, w))
	mux.HandleFunc("POST /v1/chunk/edit", handleEdit(w))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if churnInterval > 0 {
		g.Go(func() error {
			return churnLoop(gctx, w, cfg.World.Radius, churnInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	svc.Close()
	if err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// chunkParam parses x/y/z query parameters into a chunk key.
func chunkParam(r *http.Request) (chunkkey.ChunkKey, error) {
	coord := func(name string) (int32, error) {
		v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 32)
		return int32(v), err
	}
	x, err := coord("x")
	if err != nil {
		return 0, err
	}
	y, err := coord("y")
	if err != nil {
		return 0, err
	}
	z, err := coord("z")
	if err != nil {
		return 0, err
	}
	return chunkkey.FromCoords(x, y, z), nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeOutcome maps a non-success result to an HTTP error response.
func writeOutcome[A any](rw http.ResponseWriter, res chunkproc.WorkResult[A]) {
	status := http.StatusInternalServerError
	switch res.Status {
	case chunkproc.StatusSuperseded:
		status = http.StatusConflict
	case chunkproc.StatusCanceled:
		status = http.StatusServiceUnavailable
	case chunkproc.StatusUnavailable:
		status = http.StatusNotFound
	}
	writeJSON(rw, status, map[string]string{
		"status": res.Status.String(),
		"detail": res.Detail,
	})
}

func handleOccupancy(svc *chunkproc.Service, w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		key, err := chunkParam(r)
		if err != nil {
			http.Error(rw, "bad chunk coordinates", http.StatusBadRequest)
			return
		}

		version := w.CurrentVersion(key)
		res, err := chunkproc.Request(r.Context(), svc, key, version, proc.OccupancyProcessor{}).Wait(r.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if res.Status != chunkproc.StatusSuccess {
			writeOutcome(rw, res)
			return
		}
		writeJSON(rw, http.StatusOK, res.Artifact)
	}
}

func handleSurface(svc *chunkproc.Service, w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		key, err := chunkParam(r)
		if err != nil {
			http.Error(rw, "bad chunk coordinates", http.StatusBadRequest)
			return
		}

		version := w.CurrentVersion(key)
		res, err := chunkproc.Request(r.Context(), svc, key, version, proc.SurfaceProcessor{}).Wait(r.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if res.Status != chunkproc.StatusSuccess {
			writeOutcome(rw, res)
			return
		}
		writeJSON(rw, http.StatusOK, res.Artifact)
	}
}

func handleEdit(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		key, err := chunkParam(r)
		if err != nil {
			http.Error(rw, "bad chunk coordinates", http.StatusBadRequest)
			return
		}
		q := r.URL.Query()
		vx, errX := strconv.Atoi(q.Get("vx"))
		vy, errY := strconv.Atoi(q.Get("vy"))
		vz, errZ := strconv.Atoi(q.Get("vz"))
		block, errB := strconv.ParseUint(q.Get("block"), 10, 16)
		if errX != nil || errY != nil || errZ != nil || errB != nil {
			http.Error(rw, "bad edit parameters", http.StatusBadRequest)
			return
		}

		version := w.Edit(key, vx, vy, vz, uint16(block))
		if version == 0 {
			http.Error(rw, "voxel out of range", http.StatusBadRequest)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]int64{"version": version})
	}
}
