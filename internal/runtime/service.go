package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/heapflow/datastore"
	configpkg "github.com/drblury/heapflow/internal/runtime/config"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/transform"
	"github.com/drblury/heapflow/internal/runtime/upload"

	// Engines selectable through Config.DataStore.
	_ "github.com/drblury/heapflow/datastore/memory"
	_ "github.com/drblury/heapflow/datastore/sqlite"
)

const shutdownTimeout = 5 * time.Second

// ServiceDependencies holds the collaborators the Service cannot build from
// Config alone. Only ActiveSession is required.
type ServiceDependencies struct {
	// ActiveSession reports the session currently recording events.
	ActiveSession upload.ActiveSessionProvider

	// DataStore replaces the engine selected by Config.DataStore. The Service
	// does not close a store it did not build.
	DataStore datastore.DataStore
	// Registry resolves Config.DataStore; datastore.DefaultRegistry when nil.
	Registry *datastore.Registry

	// Client replaces the HTTP client built from Config.BaseURL.
	Client upload.Client

	Transformers []transform.Transformer
	Hooks        upload.Hooks

	// MetricsRegistry receives the service collectors. A private registry is
	// created when nil so several services can live in one process.
	MetricsRegistry *prometheus.Registry

	// Clock replaces time.Now for upload scheduling.
	Clock func() time.Time
}

// Service wires the transform pipeline, the data store and the uploader.
type Service struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	store     datastore.DataStore
	ownsStore bool
	pipeline  *transform.Pipeline
	uploader  *upload.Uploader
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	status    *statusTracker

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService is TryNewService for callers that treat a bad setup as fatal.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService builds a Service. Nothing is uploaded until Start or Upload
// is called.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if deps.ActiveSession == nil {
		return nil, errspkg.ErrActiveSessionRequired
	}
	cfg := conf.WithDefaults()
	if deps.Client == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	log = loggingpkg.OrNop(log)
	log.Info("Creating capture service", loggingpkg.LogFields{
		"data_store": cfg.DataStore,
		"config":     cfg.String(),
	})

	s := &Service{
		Conf:     cfg,
		Logger:   log,
		registry: deps.MetricsRegistry,
		status:   newStatusTracker(),
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := s.buildStore(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.buildPipeline(deps.Transformers); err != nil {
		_ = s.closeStore()
		return nil, err
	}
	if err := s.buildUploader(deps); err != nil {
		s.pipeline.Close()
		_ = s.closeStore()
		return nil, err
	}

	if cfg.MetricsEnabled && cfg.MetricsPort > 0 {
		s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.RegisterHTTPHandler(cfg.MetricsPort, "/status", http.HandlerFunc(s.handleStatus))
	}
	return s, nil
}

func (s *Service) buildStore(ctx context.Context, deps ServiceDependencies) error {
	if deps.DataStore != nil {
		s.store = deps.DataStore
		return nil
	}
	registry := deps.Registry
	if registry == nil {
		registry = datastore.DefaultRegistry
	}
	store, err := registry.Build(ctx, &s.Conf, s.Logger, s.metrics)
	if err != nil {
		return fmt.Errorf("build data store: %w", err)
	}
	s.store = store
	s.ownsStore = true
	return nil
}

func (s *Service) buildPipeline(transformers []transform.Transformer) error {
	pipeline, err := transform.NewPipeline(s.store,
		transform.WithLogger(s.Logger.With(loggingpkg.LogFields{"component": "transform"})),
		transform.WithMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	for _, t := range transformers {
		if err := pipeline.AddTransformer(t); err != nil {
			pipeline.Close()
			return err
		}
	}
	s.pipeline = pipeline
	return nil
}

func (s *Service) buildUploader(deps ServiceDependencies) error {
	client := deps.Client
	if client == nil {
		httpClient, err := upload.NewHTTPClient(s.Conf.BaseURL, s.Conf.LibraryName)
		if err != nil {
			return err
		}
		client = httpClient
	}

	uploadLogger := s.Logger.With(loggingpkg.LogFields{"component": "upload"})
	opts := []upload.Option{
		upload.WithLogger(uploadLogger),
		upload.WithMetrics(s.metrics),
		upload.WithHooks(upload.LoggingHooks(uploadLogger)),
		upload.WithHooks(s.status.hooks()),
		upload.WithHooks(deps.Hooks),
	}
	if deps.Clock != nil {
		opts = append(opts, upload.WithClock(deps.Clock))
	}

	uploader, err := upload.New(s.store, client, deps.ActiveSession, upload.Config{
		Interval:                 s.Conf.UploadInterval,
		Tick:                     s.Conf.SchedulerTick,
		MessageBatchByteLimit:    s.Conf.MessageBatchByteLimit,
		MessageBatchMessageLimit: s.Conf.MessageBatchMessageLimit,
		PruneMessageAge:          s.Conf.PruneMessageAge,
		PruneUserAge:             s.Conf.PruneUserAge,
		RateLimit:                s.Conf.UploadRateLimit,
		Burst:                    s.Conf.UploadBurst,
		Library: &models.LibraryInfo{
			Name:     s.Conf.LibraryName,
			Version:  s.Conf.LibraryVersion,
			Platform: goruntime.GOOS,
		},
	}, opts...)
	if err != nil {
		return err
	}
	s.uploader = uploader
	return nil
}

// Start begins scheduled uploads and serves any registered HTTP handlers.
// It returns immediately; call Close to stop.
func (s *Service) Start(ctx context.Context) {
	s.Logger.Info("Starting capture service", loggingpkg.LogFields{
		"upload_interval": s.Conf.UploadInterval.String(),
	})
	s.uploader.Start(ctx)
	s.startHTTPServers()
}

// Close stops scheduling, commits every write already submitted, cancels
// outstanding transforms and closes the data store if the Service built it.
// Calling Close more than once returns the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.uploader.Stop()
		s.pipeline.Close()

		var errs []error
		if err := s.stopHTTPServers(); err != nil {
			errs = append(errs, err)
		}
		if err := s.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close data store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Capture service stopped", nil)
	})
	return s.closeErr
}

func (s *Service) closeStore() error {
	if !s.ownsStore {
		return nil
	}
	return s.store.Close()
}

// Pipeline exposes the transform pipeline for direct use.
func (s *Service) Pipeline() *transform.Pipeline { return s.pipeline }

func (s *Service) Uploader() *upload.Uploader { return s.uploader }

func (s *Service) DataStore() datastore.DataStore { return s.store }

// MetricsRegistry is the registry the service collectors were registered on.
func (s *Service) MetricsRegistry() *prometheus.Registry { return s.registry }

func (s *Service) AddTransformer(t transform.Transformer) error {
	return s.pipeline.AddTransformer(t)
}

func (s *Service) RemoveTransformer(name string) bool {
	return s.pipeline.RemoveTransformer(name)
}

func (s *Service) CreateNewUserIfNeeded(environmentID, userID string, identity *string, creationDate time.Time) {
	s.pipeline.CreateNewUserIfNeeded(environmentID, userID, identity, creationDate)
}

func (s *Service) SetIdentityIfNull(environmentID, userID, identity string) {
	s.pipeline.SetIdentityIfNull(environmentID, userID, identity)
}

func (s *Service) InsertOrUpdateUserProperty(environmentID, userID, name, value string) {
	s.pipeline.InsertOrUpdateUserProperty(environmentID, userID, name, value)
}

func (s *Service) CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID string, lastEventDate time.Time) {
	s.pipeline.CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID, lastEventDate)
}

func (s *Service) CreateSessionIfNeeded(message models.Message) {
	s.pipeline.CreateSessionIfNeeded(message)
}

func (s *Service) InsertPendingMessage(message models.Message) {
	s.pipeline.InsertPendingMessage(message)
}

// Flush waits until every write submitted so far is committed.
func (s *Service) Flush(ctx context.Context) error {
	return s.pipeline.Flush(ctx)
}

// Upload runs an upload cycle now, ignoring the schedule.
func (s *Service) Upload(ctx context.Context) (upload.CycleReport, error) {
	return s.uploader.Upload(ctx)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if len(s.running) > 0 {
		return
	}
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	running := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
