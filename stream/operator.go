package stream

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"kueuestream/kueue"
)

// Predicate decides whether a record passes a Filter. It must be a pure
// function of key and value.
type Predicate func(key, value []byte) (bool, error)

// Combiner builds the join output from the stream value and the table value.
type Combiner func(streamValue, tableValue []byte) ([]byte, error)

// ErrMalformedValue is returned by predicates that cannot evaluate a value.
var ErrMalformedValue = errors.New("malformed value")

// MinLength passes values strictly longer than threshold characters. A
// tombstone or a value that is not UTF-8 is reported as malformed.
func MinLength(threshold int) Predicate {
	return func(_, value []byte) (bool, error) {
		if value == nil {
			return false, fmt.Errorf("%w: tombstone", ErrMalformedValue)
		}
		if !utf8.Valid(value) {
			return false, fmt.Errorf("%w: invalid UTF-8", ErrMalformedValue)
		}
		return utf8.RuneCount(value) > threshold, nil
	}
}

// SendTo is the order/address combiner: "<order> send to <address>".
func SendTo() Combiner {
	return Concat(" send to ")
}

// Concat joins the two values around sep.
func Concat(sep string) Combiner {
	return func(streamValue, tableValue []byte) ([]byte, error) {
		out := make([]byte, 0, len(streamValue)+len(sep)+len(tableValue))
		out = append(out, streamValue...)
		out = append(out, sep...)
		out = append(out, tableValue...)
		return out, nil
	}
}

type OperatorKind int

const (
	KindFilter OperatorKind = iota
	KindJoinTable
	KindMapSink
)

func (k OperatorKind) String() string {
	switch k {
	case KindFilter:
		return "Filter"
	case KindJoinTable:
		return "JoinTable"
	case KindMapSink:
		return "MapSink"
	}
	return fmt.Sprintf("OperatorKind(%d)", int(k))
}

// Operator is one step of a Pipeline. Build them with Filter, JoinTable and MapSink.
type Operator struct {
	Kind      OperatorKind
	Predicate Predicate
	Table     string // table topic for JoinTable
	Combiner  Combiner
	Topic     string // destination topic for MapSink
}

func Filter(p Predicate) Operator {
	return Operator{Kind: KindFilter, Predicate: p}
}

// JoinTable inner-joins the stream against the table materialized from the
// table topic.
func JoinTable(table string, c Combiner) Operator {
	return Operator{Kind: KindJoinTable, Table: table, Combiner: c}
}

func MapSink(topic string) Operator {
	return Operator{Kind: KindMapSink, Topic: topic}
}

// Lookuper is the read side of a Table.
type Lookuper interface {
	Lookup(key []byte) ([]byte, bool, error)
}

// Outcome is what happened to one record in the pipeline.
type Outcome int

const (
	Emitted   Outcome = iota // reached the sink
	Filtered                 // dropped by a Filter
	Unmatched                // dropped by a JoinTable with no table entry
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case Filtered:
		return "filtered"
	case Unmatched:
		return "unmatched"
	}
	return "unknown"
}

// Result is the record a Pipeline hands to the sink.
type Result struct {
	Outcome Outcome
	Key     []byte
	Value   []byte
}

// Pipeline is an immutable, validated operator list ending in one MapSink.
type Pipeline struct {
	ops  []Operator
	sink string
}

// NewPipeline validates ops and copies them.
func NewPipeline(ops ...Operator) (*Pipeline, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operators", ErrInvalidPipeline)
	}
	for i, op := range ops {
		last := i == len(ops)-1
		switch op.Kind {
		case KindFilter:
			if op.Predicate == nil {
				return nil, fmt.Errorf("%w: operator %d: Filter needs a predicate", ErrInvalidPipeline, i)
			}
		case KindJoinTable:
			if op.Table == "" || op.Combiner == nil {
				return nil, fmt.Errorf("%w: operator %d: JoinTable needs a table and a combiner", ErrInvalidPipeline, i)
			}
		case KindMapSink:
			if !last {
				return nil, fmt.Errorf("%w: operator %d: MapSink must be the last operator", ErrInvalidPipeline, i)
			}
			if op.Topic == "" {
				return nil, fmt.Errorf("%w: MapSink needs a topic", ErrInvalidPipeline)
			}
		default:
			return nil, fmt.Errorf("%w: operator %d: unknown kind %v", ErrInvalidPipeline, i, op.Kind)
		}
		if last && op.Kind != KindMapSink {
			return nil, fmt.Errorf("%w: pipeline must end with MapSink", ErrInvalidPipeline)
		}
	}
	p := &Pipeline{ops: append([]Operator(nil), ops...)}
	p.sink = p.ops[len(p.ops)-1].Topic
	return p, nil
}

// SinkTopic returns the MapSink destination.
func (p *Pipeline) SinkTopic() string {
	return p.sink
}

// Tables returns the table topics the pipeline joins against, in operator order.
func (p *Pipeline) Tables() []string {
	var tables []string
	seen := make(map[string]bool)
	for _, op := range p.ops {
		if op.Kind == KindJoinTable && !seen[op.Table] {
			seen[op.Table] = true
			tables = append(tables, op.Table)
		}
	}
	return tables
}

// Process runs r through every operator. Errors are *RecordProcessingError.
func (p *Pipeline) Process(r kueue.Record, tables map[string]Lookuper) (Result, error) {
	key, value := r.Key, r.Value
	for _, op := range p.ops {
		switch op.Kind {
		case KindFilter:
			ok, err := op.Predicate(key, value)
			if err != nil {
				return Result{}, recordError(op, r, err)
			}
			if !ok {
				return Result{Outcome: Filtered}, nil
			}
		case KindJoinTable:
			table, ok := tables[op.Table]
			if !ok {
				return Result{}, recordError(op, r, fmt.Errorf("table %s is not materialized", op.Table))
			}
			// Keyless and tombstone stream records never join.
			if key == nil || value == nil {
				return Result{Outcome: Unmatched}, nil
			}
			tv, found, err := table.Lookup(key)
			if err != nil {
				return Result{}, recordError(op, r, err)
			}
			if !found {
				return Result{Outcome: Unmatched}, nil
			}
			joined, err := op.Combiner(value, tv)
			if err != nil {
				return Result{}, recordError(op, r, err)
			}
			value = joined
		case KindMapSink:
			return Result{Outcome: Emitted, Key: key, Value: value}, nil
		}
	}
	// NewPipeline guarantees a trailing MapSink.
	return Result{Outcome: Emitted, Key: key, Value: value}, nil
}

func recordError(op Operator, r kueue.Record, err error) error {
	return &RecordProcessingError{
		Operator:  op.Kind.String(),
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Err:       err,
	}
}
