// Package config loads pipeline definitions from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
	"gopkg.in/yaml.v3"

	"kueuestream/kueue"
	"kueuestream/stream"
)

// Config is the file form of a pipeline.
type Config struct {
	GroupID      string   `yaml:"groupId"`
	InstanceID   string   `yaml:"instanceId"`
	Members      []string `yaml:"members"`
	SourceTopics []string `yaml:"sourceTopics"`
	TableTopics  []string `yaml:"tableTopics"`
	SinkTopic    string   `yaml:"sinkTopic"`

	Filter *FilterConfig `yaml:"filter"`
	Join   *JoinConfig   `yaml:"join"`

	OnRecordError        string `yaml:"onRecordError"`
	PollTimeoutMs        int    `yaml:"pollTimeoutMs"`
	MaxRecords           int    `yaml:"maxRecords"`
	ReadParallel         int    `yaml:"readParallel"`
	MaxSourceRetries     *int   `yaml:"maxSourceRetries"`
	MaxSinkRetries       *int   `yaml:"maxSinkRetries"`
	MaxCommitRetries     *int   `yaml:"maxCommitRetries"`
	RetryBackoffMs       int    `yaml:"retryBackoffMs"`
	MaxConsecutiveErrors int    `yaml:"maxConsecutiveErrors"`
	Assignment           string `yaml:"assignment"` // own_all, least_loaded, rendezvous

	Storage     StorageConfig     `yaml:"storage"`
	TableStore  TableStoreConfig  `yaml:"tableStore"`
	CursorStore CursorStoreConfig `yaml:"cursorStore"`
	Topics      []TopicConfig     `yaml:"topics"`

	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
}

// FilterConfig selects a predicate.
type FilterConfig struct {
	Type      string `yaml:"type"` // min_length, key_glob, json_path
	Threshold int    `yaml:"threshold"`
	Pattern   string `yaml:"pattern"`
	Path      string `yaml:"path"`
	Equals    string `yaml:"equals"`
}

// JoinConfig selects the joined table and the combiner.
type JoinConfig struct {
	Table     string `yaml:"table"`
	Type      string `yaml:"type"` // send_to, concat, template
	Separator string `yaml:"separator"`
	Template  string `yaml:"template"`
}

type StorageConfig struct {
	Type        string   `yaml:"type"` // local, grpc, kafka
	Address     string   `yaml:"address"`
	DataDir     string   `yaml:"dataDir"`
	Compression string   `yaml:"compression"`
	Brokers     []string `yaml:"brokers"`
}

type TableStoreConfig struct {
	Type string `yaml:"type"` // memory, badger
	Dir  string `yaml:"dir"`
}

type CursorStoreConfig struct {
	Type      string   `yaml:"type"` // log, etcd
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// TopicConfig is a topic created at startup when missing.
type TopicConfig struct {
	Name       string `yaml:"name"`
	Partitions int32  `yaml:"partitions"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown keys, and fills defaults.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.TableStore.Type == "" {
		c.TableStore.Type = "memory"
	}
	if c.CursorStore.Type == "" {
		c.CursorStore.Type = "log"
	}
	if c.CursorStore.Prefix == "" {
		c.CursorStore.Prefix = "/kueuestream/cursors"
	}
	if c.Assignment == "" {
		c.Assignment = "own_all"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Join != nil && len(c.TableTopics) == 0 {
		c.TableTopics = []string{c.Join.Table}
	}
}

// Validate checks the parts the driver config does not cover.
func (c *Config) Validate() error {
	if c.SinkTopic == "" {
		return fmt.Errorf("%w: sinkTopic is required", stream.ErrInvalidConfig)
	}
	if c.Filter == nil && c.Join == nil {
		return fmt.Errorf("%w: at least one of filter or join is required", stream.ErrInvalidConfig)
	}
	if c.Join != nil {
		if c.Join.Table == "" {
			return fmt.Errorf("%w: join.table is required", stream.ErrInvalidConfig)
		}
		if !slices.Contains(c.TableTopics, c.Join.Table) {
			return fmt.Errorf("%w: join table %s is not in tableTopics", stream.ErrInvalidConfig, c.Join.Table)
		}
	}
	switch c.Storage.Type {
	case "local":
	case "grpc":
		if c.Storage.Address == "" {
			return fmt.Errorf("%w: storage.address is required for grpc", stream.ErrInvalidConfig)
		}
	case "kafka":
		if len(c.Storage.Brokers) == 0 {
			return fmt.Errorf("%w: storage.brokers is required for kafka", stream.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage type %q", stream.ErrInvalidConfig, c.Storage.Type)
	}
	if _, err := kueue.ParseCompression(c.Storage.Compression); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrInvalidConfig, err)
	}
	if c.TableStore.Type != "memory" && c.TableStore.Type != "badger" {
		return fmt.Errorf("%w: unknown tableStore type %q", stream.ErrInvalidConfig, c.TableStore.Type)
	}
	switch c.CursorStore.Type {
	case "log":
	case "etcd":
		if len(c.CursorStore.Endpoints) == 0 {
			return fmt.Errorf("%w: cursorStore.endpoints is required for etcd", stream.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cursorStore type %q", stream.ErrInvalidConfig, c.CursorStore.Type)
	}
	if _, err := c.Assigner(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrInvalidConfig, err)
	}
	for _, t := range c.Topics {
		if t.Name == "" || t.Partitions <= 0 {
			return fmt.Errorf("%w: topic %q needs a name and a positive partition count", stream.ErrInvalidConfig, t.Name)
		}
	}
	if _, err := c.StreamConfig(); err != nil {
		return err
	}
	_, err := c.Pipeline()
	return err
}

// StreamConfig returns the driver config, defaults filled in.
func (c *Config) StreamConfig() (stream.Config, error) {
	sc := stream.DefaultConfig()
	sc.GroupID = c.GroupID
	sc.InstanceID = c.InstanceID
	sc.Members = c.Members
	sc.SourceTopics = c.SourceTopics
	if c.OnRecordError != "" {
		sc.OnRecordError = stream.ErrorPolicy(c.OnRecordError)
	}
	if c.PollTimeoutMs > 0 {
		sc.PollTimeout = time.Duration(c.PollTimeoutMs) * time.Millisecond
	}
	if c.MaxRecords > 0 {
		sc.MaxRecords = c.MaxRecords
	}
	if c.ReadParallel > 0 {
		sc.ReadParallel = c.ReadParallel
	}
	if c.MaxSourceRetries != nil {
		sc.MaxSourceRetries = *c.MaxSourceRetries
	}
	if c.MaxSinkRetries != nil {
		sc.MaxSinkRetries = *c.MaxSinkRetries
	}
	if c.MaxCommitRetries != nil {
		sc.MaxCommitRetries = *c.MaxCommitRetries
	}
	if c.RetryBackoffMs > 0 {
		sc.RetryBackoff = time.Duration(c.RetryBackoffMs) * time.Millisecond
	}
	sc.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	return sc, sc.Validate()
}

// Pipeline builds the operator list: filter, then join, then the sink.
func (c *Config) Pipeline() (*stream.Pipeline, error) {
	var ops []stream.Operator
	if c.Filter != nil {
		p, err := NewPredicate(*c.Filter)
		if err != nil {
			return nil, err
		}
		ops = append(ops, stream.Filter(p))
	}
	if c.Join != nil {
		comb, err := NewCombiner(*c.Join)
		if err != nil {
			return nil, err
		}
		ops = append(ops, stream.JoinTable(c.Join.Table, comb))
	}
	ops = append(ops, stream.MapSink(c.SinkTopic))
	return stream.NewPipeline(ops...)
}

// Assigner maps the assignment name to a partition assigner.
func (c *Config) Assigner() (stream.Assigner, error) {
	switch c.Assignment {
	case "", "own_all":
		return stream.OwnAll{}, nil
	case "least_loaded":
		return stream.LeastLoaded{}, nil
	case "rendezvous":
		return stream.RendezvousHash{}, nil
	}
	return nil, fmt.Errorf("%w: unknown assignment %q", stream.ErrInvalidConfig, c.Assignment)
}

// NewPredicate builds a filter predicate.
func NewPredicate(fc FilterConfig) (stream.Predicate, error) {
	switch fc.Type {
	case "min_length":
		if fc.Threshold < 0 {
			return nil, fmt.Errorf("%w: min_length threshold must be >= 0", stream.ErrInvalidConfig)
		}
		return stream.MinLength(fc.Threshold), nil
	case "key_glob":
		if fc.Pattern == "" {
			return nil, fmt.Errorf("%w: key_glob needs a pattern", stream.ErrInvalidConfig)
		}
		return func(key, _ []byte) (bool, error) {
			return key != nil && match.Match(string(key), fc.Pattern), nil
		}, nil
	case "json_path":
		if fc.Path == "" {
			return nil, fmt.Errorf("%w: json_path needs a path", stream.ErrInvalidConfig)
		}
		return jsonPath(fc.Path, fc.Equals), nil
	}
	return nil, fmt.Errorf("%w: unknown filter type %q", stream.ErrInvalidConfig, fc.Type)
}

// jsonPath passes JSON values where path exists, and equals the given
// string when one is set.
func jsonPath(path, equals string) stream.Predicate {
	return func(_, value []byte) (bool, error) {
		if value == nil || !gjson.ValidBytes(value) {
			return false, fmt.Errorf("%w: not JSON", stream.ErrMalformedValue)
		}
		res := gjson.GetBytes(value, path)
		if !res.Exists() {
			return false, nil
		}
		return equals == "" || res.String() == equals, nil
	}
}

// NewCombiner builds a join combiner.
func NewCombiner(jc JoinConfig) (stream.Combiner, error) {
	switch jc.Type {
	case "", "send_to":
		return stream.SendTo(), nil
	case "concat":
		return stream.Concat(jc.Separator), nil
	case "template":
		if jc.Template == "" {
			return nil, fmt.Errorf("%w: template join needs a template", stream.ErrInvalidConfig)
		}
		return func(streamValue, tableValue []byte) ([]byte, error) {
			r := strings.NewReplacer("{stream}", string(streamValue), "{table}", string(tableValue))
			return []byte(r.Replace(jc.Template)), nil
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown join type %q", stream.ErrInvalidConfig, jc.Type)
}
