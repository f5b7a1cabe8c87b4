/*
Package runtime composes the capture pipeline into a Service.

# Architecture Overview

Writes flow from the application through the transform pipeline into the
data store; the uploader drains the store to the collector on a schedule.

	application -> transform.Pipeline -> datastore.DataStore -> upload.Uploader -> collector

## Core Service (service.go)

The Service struct wires together:
  - The data store engine selected by Config.DataStore
  - The transform pipeline and its callback store
  - The uploader, its HTTP client and its hooks
  - HTTP servers for /metrics and /status

## Status (status.go)

Per-operation upload counters and latency percentiles collected from the
uploader hooks, served as JSON.

# Sub-packages

  - callbacks/: Timed, exactly-once callbacks keyed by token
  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collectors
  - models/: Messages, users and transformables
  - queue/: Serial FIFO executor
  - transform/: Transformers, processors and the ordered commit pipeline
  - upload/: Collector client and the upload state machine
  - wire/: Protobuf wire encoding of collector payloads

# Usage Example

	cfg := &heapflow.Config{
		BaseURL:        "https://collector.example.com",
		DataStore:      "sqlite",
		SQLiteFile:     "heapflow.db",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := heapflow.New(ctx, cfg, logger, heapflow.ServiceDependencies{
		ActiveSession: sessions,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.Start(ctx)
*/
package runtime
