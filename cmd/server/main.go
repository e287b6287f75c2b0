package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worldsync/internal/persistence/indexdb"
	persistlog "worldsync/internal/persistence/log"
	"worldsync/internal/persistence/snapshot"
	"worldsync/internal/protocol"
	"worldsync/internal/sim/syncer"
	"worldsync/internal/sim/tuning"
	"worldsync/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (versions, rejected inputs, checkpoints)")

		snapPath   = flag.String("snapshot", "", "path to checkpoint to restore (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "restore the latest checkpoint from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	syncLogger := log.New(os.Stdout, "[sync] ", log.LstdFlags|log.Lmicroseconds)
	wsLogger := log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds)

	_ = os.MkdirAll(*dataDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	cfg, err := syncer.ConfigFromTuning(tune)
	if err != nil {
		logger.Fatalf("sync config: %v", err)
	}

	// Optional read-model index (does not affect sync decisions).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "worldsync.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	updateLog := persistlog.NewUpdateLogger(*dataDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer updateLog.Close()
	defer auditLog.Close()

	checkpointDir := filepath.Join(*dataDir, "checkpoints")
	cpw := newCheckpointWriter(checkpointDir, idx, logger)
	go cpw.Run(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := syncer.NewMetrics(reg)

	opts := syncer.Options{
		Logger:      syncLogger,
		Metrics:     metrics,
		Updates:     multiUpdateLogger{a: updateLog, b: indexOrNil(idx)},
		Auditor:     multiInputAuditor{a: auditLog, b: indexOrNil(idx)},
		Checkpoints: cpw,
	}

	wsSrv := ws.NewServer(protocol.SyncParams{
		Codec:          cfg.Codec.Name(),
		TickMs:         tune.TickDurationMs,
		InterestRadius: cfg.Interest.DefaultRadius,
		MaxDeltaBytes:  cfg.MaxDeltaBytes,
	}, wsLogger)
	engine := syncer.New(cfg, wsSrv, opts)
	defer engine.Close()

	restorePath := strings.TrimSpace(*snapPath)
	if restorePath == "" && *loadLatest {
		restorePath, _, err = snapshot.Latest(checkpointDir)
		if err != nil {
			logger.Printf("scan checkpoints: %v", err)
		}
	}
	if restorePath != "" {
		cp, err := snapshot.ReadSnapshot(restorePath)
		if err != nil {
			logger.Fatalf("read checkpoint: %v", err)
		}
		if err := engine.Restore(cp.World()); err != nil {
			logger.Fatalf("restore checkpoint: %v", err)
		}
		logger.Printf("restored checkpoint=%s version=%d entities=%d", filepath.Base(restorePath), cp.Header.Version, cp.Header.Entities)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ws", wsSrv.Handler(engine))

	if envBool("WS_ENABLE_ADMIN_HTTP", true) {
		admin := &adminAPI{engine: engine, idx: idx, ws: wsSrv, checkpoints: cpw}
		admin.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (WS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("WS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s codec=%s window=%d", *addr, cfg.Codec.Name(), cfg.HistoryWindow)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
