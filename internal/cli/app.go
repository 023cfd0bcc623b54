package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tevoinea/onefuzz/internal/events"
	"github.com/tevoinea/onefuzz/internal/ingest"
	"github.com/tevoinea/onefuzz/internal/metrics"
	"github.com/tevoinea/onefuzz/internal/notify"
	"github.com/tevoinea/onefuzz/internal/queue"
	"github.com/tevoinea/onefuzz/internal/registry"
	"github.com/tevoinea/onefuzz/internal/secrets"
	"github.com/tevoinea/onefuzz/internal/storage"
	"github.com/tevoinea/onefuzz/internal/teams"
	"github.com/tevoinea/onefuzz/internal/transport"
	"github.com/tevoinea/onefuzz/pkg/types"
)

// app is the assembled pipeline:
//
//	transport -> ingest.Filter -> notify.Engine -> teams / queue / events
type app struct {
	registry  *registry.Registry
	publisher *queue.Publisher
	eventLog  *events.FileSink
	transport *transport.Transport
}

func newApp(ctx context.Context, cfg *Config, collector *metrics.Collector) (*app, error) {
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	resolver, err := secrets.NewFromConfig(ctx, secrets.Config{
		Region:   cfg.Secrets.Region,
		Endpoint: cfg.Secrets.Endpoint,
	})
	if err != nil {
		return nil, err
	}

	accessKey, err := resolveOptional(ctx, resolver, cfg.Storage.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("storage access key: %w", err)
	}
	secretKey, err := resolveOptional(ctx, resolver, cfg.Storage.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("storage secret key: %w", err)
	}

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
		URLExpiry: cfg.Storage.URLExpiry,
	})
	if err != nil {
		return nil, err
	}

	publisher, err := queue.NewPublisher(cfg.Queue.Dir, cfg.Queue.SyncOnAppend)
	if err != nil {
		return nil, err
	}

	sink := events.MultiSink{events.NewLogSink(nil)}
	var eventLog *events.FileSink
	if cfg.Events.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Events.Path), 0755); err != nil {
			publisher.Close()
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
		eventLog, err = events.NewFileSink(cfg.Events.Path, cfg.Events.SyncOnAppend)
		if err != nil {
			publisher.Close()
			return nil, err
		}
		sink = append(sink, eventLog)
	}

	engine := notify.NewEngine(notify.Deps{
		Subscriptions: reg,
		Classifier:    storage.NewClassifier(store),
		Tasks:         reg,
		Signer:        store,
		Queue:         publisher,
		Events:        sink,
		Notifiers: notify.Notifiers{
			Teams: teams.NewNotifier(teams.Config{
				InstanceURL: cfg.Service.InstanceURL,
				Timeout:     cfg.Teams.Timeout,
			}, resolver, reg),
		},
		Metrics: collector,
	}, notify.Config{
		Concurrency: cfg.Service.DispatchConcurrency,
		Timeout:     cfg.Service.RouteTimeout,
	})

	filter := ingest.NewFilter(engine, cfg.Service.CorpusAccounts, collector)

	tr, err := transport.New(transport.Config{
		Workers:           cfg.Transport.Workers,
		BufferSize:        cfg.Transport.BufferSize,
		MaxAttempts:       ingest.MaxAttempts,
		VisibilityTimeout: cfg.Transport.VisibilityTimeout,
		JournalPath:       cfg.Transport.JournalPath,
		DeadLetterPath:    cfg.Transport.DeadLetterPath,
		SyncOnAppend:      cfg.Transport.SyncOnAppend,
	}, filter.Handle, collector)
	if err != nil {
		publisher.Close()
		if eventLog != nil {
			eventLog.Close()
		}
		return nil, err
	}

	return &app{
		registry:  reg,
		publisher: publisher,
		eventLog:  eventLog,
		transport: tr,
	}, nil
}

func resolveOptional(ctx context.Context, resolver *secrets.Resolver, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	return resolver.Resolve(ctx, types.SecretRef(ref))
}

// close stops delivery first so no handler publishes after the queue
// logs are closed.
func (a *app) close() error {
	a.transport.Stop()
	var errs []error
	if a.eventLog != nil {
		errs = append(errs, a.eventLog.Close())
	}
	errs = append(errs, a.publisher.Close())
	return errors.Join(errs...)
}
