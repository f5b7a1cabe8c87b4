package heapflow

import (
	"context"

	"github.com/drblury/heapflow/datastore"
	runtimepkg "github.com/drblury/heapflow/internal/runtime"
	configpkg "github.com/drblury/heapflow/internal/runtime/config"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	idspkg "github.com/drblury/heapflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/heapflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/transform"
	"github.com/drblury/heapflow/internal/runtime/upload"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status

	Message                 = models.Message
	Kind                    = models.Kind
	SessionInfo             = models.SessionInfo
	PageviewInfo            = models.PageviewInfo
	EventInfo               = models.EventInfo
	DeviceInfo              = models.DeviceInfo
	ApplicationInfo         = models.ApplicationInfo
	LibraryInfo             = models.LibraryInfo
	ContentsquareProperties = models.ContentsquareProperties
	Transformable           = models.Transformable
	UserToUpload            = models.UserToUpload

	Transformer     = transform.Transformer
	TransformerFunc = transform.Func
	Phase           = transform.Phase

	DataStore         = datastore.DataStore
	DataStoreBuilder  = datastore.Builder
	DataStoreRegistry = datastore.Registry

	ActiveSession         = upload.ActiveSession
	ActiveSessionProvider = upload.ActiveSessionProvider
	ActiveSessionFunc     = upload.ActiveSessionFunc
	UploadClient          = upload.Client
	UploadClientFunc      = upload.ClientFunc
	UploadRequest         = upload.Request
	UploadResult          = upload.Result
	UploadError           = upload.UploadError
	UploadErrorKind       = upload.ErrorKind

	// Upload lifecycle hooks
	UploadHooks     = upload.Hooks
	CycleInfo       = upload.CycleInfo
	CycleReport     = upload.CycleReport
	OperationReport = upload.OperationReport
	OperationKind   = upload.OperationKind

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	KindSession  = models.KindSession
	KindPageview = models.KindPageview
	KindEvent    = models.KindEvent

	PhaseEarly = transform.PhaseEarly

	NetworkFailure           = upload.NetworkFailure
	BadRequest               = upload.BadRequest
	UnexpectedServerResponse = upload.UnexpectedServerResponse

	OperationInitialUser    = upload.OperationInitialUser
	OperationIdentity       = upload.OperationIdentity
	OperationUserProperties = upload.OperationUserProperties
	OperationMessages       = upload.OperationMessages

	// SessionReplaySeparator joins markers added by several transformers.
	SessionReplaySeparator = models.SessionReplaySeparator
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.LoadFile

	NewHTTPClient = upload.NewHTTPClient
	LoggingHooks  = upload.LoggingHooks

	DefaultDataStoreRegistry = datastore.DefaultRegistry
	NewDataStoreRegistry     = datastore.NewRegistry
	RegisterDataStore        = datastore.Register
	BuildDataStore           = datastore.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Decode        = jsoncodec.Decode

	ErrTimeout               = errspkg.ErrTimeout
	ErrCancelled             = errspkg.ErrCancelled
	ErrUnsupportedPhase      = errspkg.ErrUnsupportedPhase
	ErrTransformerRequired   = errspkg.ErrTransformerRequired
	ErrTransformerTimeout    = errspkg.ErrTransformerTimeout
	ErrDataStoreRequired     = errspkg.ErrDataStoreRequired
	ErrUnknownDataStore      = errspkg.ErrUnknownDataStore
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrBaseURLRequired       = errspkg.ErrBaseURLRequired
	ErrClientRequired        = errspkg.ErrClientRequired
	ErrActiveSessionRequired = errspkg.ErrActiveSessionRequired
	ErrUploadInProgress      = errspkg.ErrUploadInProgress
	ErrNoActiveSession       = errspkg.ErrNoActiveSession

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	// NewMessageID returns a ULID suitable for Message.ID.
	NewMessageID = idspkg.CreateULID
	StringPtr    = models.StringPtr
)

// New builds a Service from cfg. It is TryNewService under a shorter name.
func New(ctx context.Context, cfg *Config, log ServiceLogger, deps ServiceDependencies) (*Service, error) {
	return runtimepkg.TryNewService(ctx, cfg, log, deps)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
