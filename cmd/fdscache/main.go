// Command fdscache drives the artifact store with a concurrent synthetic
// workload over the simulations found in a directory, then reports cache
// behaviour. Optional endpoints expose Prometheus metrics and pprof.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/IvanBrykalov/fdscache/cache"
	"github.com/IvanBrykalov/fdscache/internal/config"
	"github.com/IvanBrykalov/fdscache/internal/fds"
	applog "github.com/IvanBrykalov/fdscache/internal/log"
	pmet "github.com/IvanBrykalov/fdscache/metrics/prom"
	"github.com/IvanBrykalov/fdscache/policy/lru"
	"github.com/IvanBrykalov/fdscache/policy/twoq"
	"github.com/IvanBrykalov/fdscache/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	cfg, code := parseFlags(errOut, args)
	if code >= 0 {
		return code
	}
	if err := applog.Init(cfg.LogLevel); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}
	if err := serve(cfg, out); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

// parseFlags loads the config file and overlays explicitly set flags.
// code is -1 when the run should proceed.
func parseFlags(errOut io.Writer, args []string) (config.Config, int) {
	fs := flag.NewFlagSet("fdscache", flag.ContinueOnError)
	fs.SetOutput(errOut)

	cfgPath := fs.StringP("config", "c", "fdscache.yaml", "YAML configuration file (optional)")
	dir := fs.StringP("dir", "d", "", "directory searched for .smv files")
	workers := fs.IntP("workers", "w", 0, "concurrent request goroutines")
	duration := fs.Duration("duration", 0, "workload duration")
	maxBytes := fs.String("max-bytes", "", "artifact byte budget, e.g. 512MiB (0 = unbounded)")
	policy := fs.String("policy", "", "eviction policy: lru | 2q")
	seed := fs.Int64("seed", 0, "random seed")
	metricsAddr := fs.String("metrics", "", "serve Prometheus metrics at addr (e.g. :9100)")
	pprofAddr := fs.String("pprof", "", "serve pprof at addr (e.g. :6060)")
	level := fs.String("log-level", "", "log level (overrides "+applog.EnvLevel+")")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return config.Config{}, 0
		}
		return config.Config{}, 2
	}

	cfg, err := config.Load(*cfgPath, !fs.Changed("config"))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return config.Config{}, 2
	}
	if fs.Changed("dir") {
		cfg.Dir = *dir
	}
	if fs.Changed("workers") {
		cfg.Workload.Workers = *workers
	}
	if fs.Changed("duration") {
		cfg.Workload.Duration = *duration
	}
	if fs.Changed("seed") {
		cfg.Workload.Seed = *seed
	}
	if fs.Changed("policy") {
		cfg.Cache.Policy = *policy
	}
	if fs.Changed("max-bytes") {
		n, err := humanize.ParseBytes(*maxBytes)
		if err != nil {
			fmt.Fprintln(errOut, "error: --max-bytes:", err)
			return config.Config{}, 2
		}
		cfg.Cache.MaxBytes = int64(n)
	}
	if fs.Changed("metrics") {
		cfg.Metrics = *metricsAddr
	}
	if fs.Changed("pprof") {
		cfg.Pprof = *pprofAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *level
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return config.Config{}, 2
	}
	return cfg, -1
}

// serve builds the store, runs the workload and writes the report.
func serve(cfg config.Config, out io.Writer) error {
	reader := fds.NewReader()
	sims, err := reader.Find(cfg.Dir)
	if err != nil {
		return err
	}
	if len(sims) == 0 {
		return fmt.Errorf("no .smv files under %s", cfg.Dir)
	}

	promReg := prometheus.NewRegistry()
	registry := cache.NewRegistry()
	promReg.MustRegister(pmet.NewRegistryCollector(registry, "fdscache", nil))

	opt := store.Options{
		MaxBytes:            cfg.Cache.MaxBytes,
		Shards:              cfg.Cache.Shards,
		Refresh:             cfg.Cache.Refresh,
		PrefetchConcurrency: cfg.Cache.Prefetch,
		Registry:            registry,
		Metrics:             pmet.New(promReg, "fdscache", "artifacts", nil),
	}
	switch cfg.Cache.Policy {
	case "2q":
		opt.Policy = twoq.New[store.Key](1024, 4096)
	default:
		opt.Policy = lru.New[store.Key]()
	}
	st := store.New(reader, opt)
	defer func() { _ = st.Close() }()

	if cfg.Pprof != "" {
		go func() {
			log.WithField("addr", cfg.Pprof).Info("pprof: serving")
			log.WithError(http.ListenAndServe(cfg.Pprof, nil)).Warn("pprof: stopped")
		}()
	}
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		defer func() { _ = srv.Close() }()
		go func() {
			log.WithField("addr", cfg.Metrics).Info("metrics: serving")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("metrics: stopped")
			}
		}()
	}

	res := drive(st, sims, cfg.Workload)
	report(out, cfg, st, registry, res)
	return nil
}

type result struct {
	requests, failures, pinned, invalidations atomic.Uint64
	elapsed                                   time.Duration
}

// drive issues artifact requests from cfg.Workers goroutines until the
// duration elapses. Kinds are drawn with a Zipf skew so a few artifacts
// stay hot while the tail churns through the byte budget.
func drive(st *store.Store, sims []store.SimulationID, cfg config.Workload) *result {
	res := &result{}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		go func(id int) {
			defer wg.Done()
			// rand.Rand is not goroutine-safe: one per worker.
			r := rand.New(rand.NewSource(cfg.Seed + int64(id)*9973))
			for ctx.Err() == nil {
				sim := sims[r.Intn(len(sims))]
				res.requests.Add(1)
				root, err := st.Root(ctx, sim)
				if err != nil {
					if ctx.Err() == nil {
						res.failures.Add(1)
					}
					continue
				}
				kinds := root.Kinds()
				if len(kinds) == 0 {
					continue
				}
				z := rand.NewZipf(r, 1.2, 1, uint64(len(kinds)-1))
				k := kinds[z.Uint64()]

				a, err := st.Artifact(ctx, sim, k)
				switch {
				case err != nil:
					if ctx.Err() == nil {
						res.failures.Add(1)
					}
				case r.Intn(100) < 5:
					// hold a reference briefly, as a viewer would
					a.Retain()
					res.pinned.Add(1)
					time.Sleep(time.Millisecond)
					a.Release()
				}
				if r.Intn(10_000) == 0 {
					st.Invalidate(sim)
					res.invalidations.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	res.elapsed = time.Since(start)
	return res
}

func report(out io.Writer, cfg config.Config, st *store.Store, reg *cache.Registry, res *result) {
	s := st.Stats()
	reqs := res.requests.Load()
	lookups := s.Hits + s.Misses + s.Joins
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(s.Hits) / float64(lookups) * 100
	}
	budget := "unbounded"
	if cfg.Cache.MaxBytes > 0 {
		budget = humanize.IBytes(uint64(cfg.Cache.MaxBytes))
	}

	fmt.Fprintf(out, "policy=%s budget=%s workers=%d dur=%v seed=%d\n",
		cfg.Cache.Policy, budget, cfg.Workload.Workers, res.elapsed.Round(time.Millisecond), cfg.Workload.Seed)
	fmt.Fprintf(out, "requests=%s (%.0f req/s) failures=%d pinned=%d invalidations=%d\n",
		humanize.Comma(int64(reqs)), float64(reqs)/res.elapsed.Seconds(),
		res.failures.Load(), res.pinned.Load(), res.invalidations.Load())
	fmt.Fprintf(out, "hits=%d misses=%d joins=%d evictions=%d hit-rate=%.2f%%\n",
		s.Hits, s.Misses, s.Joins, s.Evictions, hitRate)
	fmt.Fprintf(out, "artifacts=%d resident=%s\n", st.Len(), humanize.IBytes(uint64(st.Bytes())))
	for _, row := range reg.Snapshot() {
		last := "never"
		if row.LastAccessedKnown {
			last = humanize.Time(row.LastAccessed)
		}
		fmt.Fprintf(out, "registry: %s size=%s last=%s\n", row.Name, humanize.IBytes(uint64(row.Size)), last)
	}
}
