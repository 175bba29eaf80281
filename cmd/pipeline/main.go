package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"kueuestream/internal/config"
	"kueuestream/internal/etcdcursor"
	"kueuestream/internal/kafkalog"
	"kueuestream/internal/metrics"
	"kueuestream/kueue"
	"kueuestream/pkg/producer"
	"kueuestream/stream"
)

var (
	configPath = flag.String(
		"config",
		"config/filter.yaml",
		"path of the pipeline config file",
	)
	instanceID = flag.String(
		"instance-id",
		"",
		"overrides instanceId from the config file",
	)
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("Failed to load config: %v", err)
		return 1
	}
	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)
	logger := logrus.WithField("group", cfg.GroupID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage(cfg, *logger)
	if err != nil {
		logger.Errorf("Failed to open storage: %v", err)
		return 1
	}
	defer storage.Close()

	if err := createTopics(ctx, producer.NewProducer(storage, *logger), cfg.Topics); err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	sc, err := cfg.StreamConfig()
	if err != nil {
		logger.Errorf("Invalid config: %v", err)
		return 1
	}
	pipeline, err := cfg.Pipeline()
	if err != nil {
		logger.Errorf("Invalid pipeline: %v", err)
		return 1
	}
	assigner, err := cfg.Assigner()
	if err != nil {
		logger.Errorf("Invalid assignment: %v", err)
		return 1
	}

	opts := []stream.Option{stream.WithLogger(*logger), stream.WithAssigner(assigner)}
	if cfg.TableStore.Type == "badger" {
		opts = append(opts, stream.WithStoreFactory(stream.BadgerStoreFactory(cfg.TableStore.Dir, *logger)))
	}
	if cfg.CursorStore.Type == "etcd" {
		cs, err := etcdcursor.Open(etcdcursor.Config{
			Endpoints: cfg.CursorStore.Endpoints,
			Prefix:    cfg.CursorStore.Prefix,
		}, *logger)
		if err != nil {
			logger.Errorf("Failed to open cursor store: %v", err)
			return 1
		}
		defer cs.Close()
		if err := logCursors(ctx, cs, cfg.GroupID, *logger); err != nil {
			logger.Errorf("Failed to list cursors: %v", err)
			return 1
		}
		opts = append(opts, stream.WithCursorStore(cs))
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, stream.WithMetrics(metrics.New(reg)))
		srv := serveMetrics(cfg.MetricsAddr, reg, *logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	driver, err := stream.NewDriver(sc, pipeline, storage, opts...)
	if err != nil {
		logger.Errorf("Failed to create driver: %v", err)
		return 1
	}
	if err := driver.Run(ctx); err != nil {
		logger.WithField("Topic", stream.DDriver).Errorf("Pipeline failed: %v", err)
		return 1
	}
	return 0
}

// createTopics declares the configured topics before the driver starts.
func createTopics(ctx context.Context, p *producer.Producer, topics []config.TopicConfig) error {
	for _, t := range topics {
		if err := p.CreateTopic(ctx, t.Name, t.Partitions); err != nil {
			return err
		}
	}
	return nil
}

// logCursors reports where the group resumes from.
func logCursors(ctx context.Context, cs *etcdcursor.Store, group string, logger logrus.Entry) error {
	cursors, err := cs.List(ctx, group)
	if err != nil {
		return err
	}
	if len(cursors) == 0 {
		logger.Infof("No committed cursors, starting from the earliest offsets")
		return nil
	}
	for _, c := range cursors {
		logger.Infof("Resuming %s-%d after offset %d", c.Topic, c.Partition, c.Offset)
	}
	return nil
}

func openStorage(cfg *config.Config, logger logrus.Entry) (kueue.LogStorage, error) {
	switch cfg.Storage.Type {
	case "grpc":
		return kueue.Dial(cfg.Storage.Address, logger)
	case "kafka":
		return kafkalog.Open(kafkalog.Config{Brokers: cfg.Storage.Brokers}, logger)
	}
	codec, err := kueue.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	return kueue.NewBroker(&kueue.BrokerInfo{
		BrokerName:  "local",
		DataDir:     cfg.Storage.DataDir,
		Compression: codec,
	}, logger)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server: %v", err)
		}
	}()
	logger.Infof("Serving metrics on %s/metrics", addr)
	return srv
}
