package coremain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/offstack/datastash/mlog"
	"github.com/offstack/datastash/pkg/cache"
	"github.com/offstack/datastash/pkg/dataset"
	"github.com/offstack/datastash/pkg/netwatch"
	"github.com/offstack/datastash/pkg/safe_close"
	"github.com/offstack/datastash/pkg/store"
	"github.com/offstack/datastash/pkg/taskqueue"
	"github.com/offstack/datastash/pkg/utils"
)

const defaultStorageDir = "./data"

type Datastash struct {
	logger *zap.Logger

	store   *store.Store
	cache   *cache.Cache
	net     *netwatch.Watcher
	queue   *taskqueue.Queue
	manager *dataset.Manager

	httpAPIMux    *http.ServeMux
	httpAPIServer *http.Server

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

func RunDatastash(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	d := &Datastash{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	reg := d.GetMetricsReg()

	utils.SetDefaultString(&cfg.Storage.Dir, defaultStorageDir)
	d.store, err = store.New(store.Opts{
		Dir:       cfg.Storage.Dir,
		ChunkSize: cfg.Storage.ChunkSize,
		Logger:    lg,
	})
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	var redisTier *cache.RedisTier
	if len(cfg.Redis.URL) > 0 {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opt)
		redisTier, err = cache.NewRedisTier(cache.RedisTierOpts{
			Client:       client,
			ClientCloser: client,
			Logger:       lg,
		})
		if err != nil {
			return fmt.Errorf("failed to init redis tier: %w", err)
		}
	}

	d.cache, err = cache.New(cache.Opts{
		Store:           d.store,
		Redis:           redisTier,
		MemoryBudget:    cfg.Cache.MemoryBudget,
		CompressMin:     cfg.Cache.CompressMin,
		CleanerInterval: cfg.Cache.CleanerInterval,
		TempMaxAge:      cfg.Cache.TempMaxAge,
		Logger:          lg,
		Metrics:         reg,
	})
	if err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	d.net = netwatch.New(netwatch.Opts{
		ProbeURL:      cfg.Network.ProbeURL,
		ProbeInterval: cfg.Network.ProbeInterval,
		AssumeOnline:  cfg.Network.AssumeOnline,
		Logger:        lg,
	})

	var limiter *rate.Limiter
	if cfg.Queue.RateLimit > 0 {
		burst := cfg.Queue.RateBurst
		if burst <= 0 {
			burst = int(cfg.Queue.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Queue.RateLimit), burst)
	}
	executor := taskqueue.NewNetExecutor(taskqueue.NetExecutorOpts{
		Store:           d.store,
		Cache:           d.cache,
		Limiter:         limiter,
		DownloadTimeout: cfg.Queue.DownloadTimeout,
		CheckTimeout:    cfg.Queue.CheckTimeout,
		UploadTimeout:   cfg.Queue.UploadTimeout,
		Logger:          lg,
	})
	d.queue, err = taskqueue.New(taskqueue.Opts{
		Executor:         executor,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		DrainConcurrency: cfg.Queue.DrainConcurrency,
		Online:           d.net.Online(),
		Logger:           lg,
		Metrics:          reg,
	})
	if err != nil {
		return fmt.Errorf("failed to init task queue: %w", err)
	}

	d.manager, err = dataset.New(dataset.Opts{
		Cache:      d.cache,
		Store:      d.store,
		Queue:      d.queue,
		Net:        d.net,
		DatasetTTL: cfg.Cache.DatasetTTL,
		Logger:     lg,
	})
	if err != nil {
		return fmt.Errorf("failed to init dataset manager: %w", err)
	}

	for i, dc := range cfg.Datasets {
		if len(dc.Name) == 0 || len(dc.URL) == 0 {
			return fmt.Errorf("dataset #%d: name and url are required", i)
		}
		lg.Info("registering dataset", zap.String("name", dc.Name), zap.String("url", dc.URL))
		err := d.manager.Register(dc.Name, dataset.RegisterOpts{
			URL:            dc.URL,
			Format:         dataset.Format(dc.Format),
			AutoUpdate:     dc.AutoUpdate,
			UpdateInterval: dc.UpdateInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to register dataset %s, %w", dc.Name, err)
		}
	}

	d.queue.Start(d.sc)
	d.net.Start(d.sc)
	d.manager.Start(d.sc)

	d.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(d.metricsReg, promhttp.HandlerOpts{}))
	d.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	d.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	d.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	d.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	d.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	d.httpAPIMux.HandleFunc("/api/v1/status", d.handleStatus)
	d.httpAPIMux.HandleFunc("/api/v1/tasks", d.handleTasks)

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: d.httpAPIMux,
		}
		d.httpAPIServer = httpServer
		d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				d.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				d.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-d.sc.ReceiveCloseSignal()
	d.sc.Done()
	d.sc.CloseWait()

	d.manager.Close()
	if err := d.cache.Close(); err != nil {
		d.logger.Warn("failed to close cache", zap.Error(err))
	}
	return d.sc.Err()
}

func (d *Datastash) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := d.manager.Status()

	type datasetStatus struct {
		Name             string    `json:"name"`
		AvailableOffline bool      `json:"available_offline"`
		Stale            bool      `json:"stale"`
		SizeBytes        int64     `json:"size_bytes"`
		LastUpdated      time.Time `json:"last_updated,omitempty"`
		LastChecked      time.Time `json:"last_checked,omitempty"`
	}
	resp := struct {
		Online       bool            `json:"online"`
		PendingTasks int             `json:"pending_tasks"`
		Datasets     []datasetStatus `json:"datasets"`
		StorageBytes int64           `json:"storage_bytes"`
		CacheHits    uint64          `json:"cache_hits"`
		CacheMisses  uint64          `json:"cache_misses"`
		MemoryBytes  int64           `json:"cache_memory_bytes"`
	}{
		Online:       st.Online,
		PendingTasks: st.Pending,
		StorageBytes: st.Storage.Total,
		CacheHits:    st.Cache.Hits,
		CacheMisses:  st.Cache.Misses,
		MemoryBytes:  st.Cache.MemoryBytes,
	}
	for _, ds := range st.Datasets {
		resp.Datasets = append(resp.Datasets, datasetStatus(ds))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d *Datastash) handleTasks(w http.ResponseWriter, r *http.Request) {
	type taskView struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		Err      string `json:"err,omitempty"`
	}
	view := func(in []taskqueue.Snapshot) []taskView {
		out := make([]taskView, 0, len(in))
		for _, s := range in {
			out = append(out, taskView{
				ID:       s.ID,
				Type:     s.Type.String(),
				Status:   s.Status.String(),
				Attempts: s.Attempts,
				Err:      s.Err,
			})
		}
		return out
	}
	resp := struct {
		Pending []taskView `json:"pending"`
		History []taskView `json:"history"`
	}{
		Pending: view(d.queue.Pending()),
		History: view(d.queue.History()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d *Datastash) GetSafeClose() *safe_close.SafeClose {
	return d.sc
}

func (d *Datastash) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("datastash_", d.metricsReg)
}

func (d *Datastash) GetHTTPAPIMux() *http.ServeMux {
	return d.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
