// Package embeddingsink forwards generated embedding vectors to an
// external vector store over Apache Arrow Flight, the way the rest of
// this module treats HTTP transport and the tensor runtime: as an
// external collaborator reached through a narrow interface.
package embeddingsink

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/basalt-run/blama/internal/blerr"
)

// Sink accepts batches of embedding vectors for export. Put blocks until
// the batch is durably handed off to the sink's backing store. norms
// carries each vector's pre-normalization scale factor (see
// embedding.Instance.Export) and must either be empty or match vectors
// in length.
type Sink interface {
	Put(ctx context.Context, vectors [][]float32, norms []float32, ids []string, metadata map[string]string) error
	Close() error
}

// FlightSink writes embedding batches to a Flight server as one record
// per call: a fixed-size list-of-float32 "vector" column, a "norm"
// float32 column, and an "id" string column.
type FlightSink struct {
	client *flight.Client
	mem    memory.Allocator
	path   []string
}

// Dial connects to a Flight server at addr (host:port) and returns a
// Sink that writes batches under descriptor path.
func Dial(ctx context.Context, addr string, path []string) (*FlightSink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, blerr.Backendf(err, "failed to dial embedding flight sink")
	}
	if len(path) == 0 {
		path = []string{"embeddings"}
	}
	return &FlightSink{client: client, mem: memory.NewGoAllocator(), path: path}, nil
}

func (s *FlightSink) schemaFor(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: "norm", Type: arrow.PrimitiveTypes.Float32},
		{Name: "id", Type: arrow.BinaryTypes.String},
	}, nil)
}

// Put builds one Arrow record out of vectors/norms/ids and streams it to
// the Flight server via DoPut. metadata is attached to the descriptor's
// command bytes as a simple key=value;key=value string, since this
// sink's schema carries no per-batch metadata column.
func (s *FlightSink) Put(ctx context.Context, vectors [][]float32, norms []float32, ids []string, metadata map[string]string) error {
	if len(vectors) == 0 {
		return blerr.Dataf("cannot put an empty embedding batch")
	}
	if len(norms) != 0 && len(norms) != len(vectors) {
		return blerr.Dataf("embedding batch has %d vectors but %d norms", len(vectors), len(norms))
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return blerr.Dataf("embedding batch has inconsistent vector dimensions")
		}
	}

	schema := s.schemaFor(dim)
	rb := array.NewRecordBuilder(s.mem, schema)
	defer rb.Release()

	vecBuilder := rb.Field(0).(*array.FixedSizeListBuilder)
	valueBuilder := vecBuilder.ValueBuilder().(*array.Float32Builder)
	normBuilder := rb.Field(1).(*array.Float32Builder)
	idBuilder := rb.Field(2).(*array.StringBuilder)

	for i, vec := range vectors {
		vecBuilder.Append(true)
		valueBuilder.AppendValues(vec, nil)
		if i < len(norms) {
			normBuilder.Append(norms[i])
		} else {
			normBuilder.AppendNull()
		}
		if i < len(ids) {
			idBuilder.Append(ids[i])
		} else {
			idBuilder.AppendNull()
		}
	}

	record := rb.NewRecord()
	defer record.Release()

	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: s.path,
		Cmd:  encodeMetadata(metadata),
	}

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return blerr.Backendf(err, "failed to open flight DoPut stream")
	}

	fw := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	fw.SetFlightDescriptor(desc)
	if err := fw.Write(record); err != nil {
		fw.Close()
		return blerr.Backendf(err, "failed to write embedding batch to flight sink")
	}
	if err := fw.Close(); err != nil {
		return blerr.Backendf(err, "failed to close flight DoPut writer")
	}
	if err := stream.CloseSend(); err != nil {
		return blerr.Backendf(err, "failed to close flight DoPut stream")
	}
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	return nil
}

// Close releases the underlying Flight client connection.
func (s *FlightSink) Close() error {
	return s.client.Close()
}

func encodeMetadata(metadata map[string]string) []byte {
	if len(metadata) == 0 {
		return nil
	}
	var b []byte
	first := true
	for k, v := range metadata {
		if !first {
			b = append(b, ';')
		}
		first = false
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, v...)
	}
	return b
}

// MemorySink is an in-process Sink that keeps every put batch keyed by
// its first id, for tests and for running without a configured Flight
// endpoint.
type MemorySink struct {
	mu   sync.RWMutex
	data map[string]batch
}

type batch struct {
	Vectors  [][]float32
	Norms    []float32
	Ids      []string
	Metadata map[string]string
}

// NewMemorySink builds an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string]batch)}
}

// Put stores vectors/norms/ids/metadata keyed by the batch's first id,
// or "default" if ids is empty.
func (m *MemorySink) Put(_ context.Context, vectors [][]float32, norms []float32, ids []string, metadata map[string]string) error {
	if len(vectors) == 0 {
		return blerr.Dataf("cannot put an empty embedding batch")
	}
	if len(norms) != 0 && len(norms) != len(vectors) {
		return blerr.Dataf("embedding batch has %d vectors but %d norms", len(vectors), len(norms))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "default"
	if len(ids) > 0 {
		key = ids[0]
	}
	m.data[key] = batch{Vectors: vectors, Norms: norms, Ids: ids, Metadata: metadata}
	return nil
}

// Close is a no-op; MemorySink owns no external resource.
func (m *MemorySink) Close() error { return nil }

// Get returns the batch stored under key, or (nil, false) if absent.
func (m *MemorySink) Get(key string) ([][]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return b.Vectors, true
}

// GetNorms returns the norms stored alongside key's batch, or (nil,
// false) if absent.
func (m *MemorySink) GetNorms(key string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return b.Norms, true
}

// Len reports the number of distinct batches stored.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
