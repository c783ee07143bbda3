// Package capture serializes attention tensor snapshots as Arrow record
// batches, either into an IPC file for offline inspection or over Arrow
// Flight to a collector. Each tensor is one row: its name, its shape and
// the row-major float32 payload.
package capture

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tensor is one named tensor snapshot in row-major order.
type Tensor struct {
	Name   string
	Dims   []int64
	Values []float32
}

func (t Tensor) elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// Schema is the wire schema for tensor snapshots.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// NewRecord builds one record batch holding every tensor. The caller
// owns the returned record and must Release it.
func NewRecord(mem memory.Allocator, tensors []Tensor) (arrow.Record, error) {
	for _, t := range tensors {
		if t.elements() != len(t.Values) {
			return nil, fmt.Errorf("tensor %q: dims %v describe %d elements, have %d",
				t.Name, t.Dims, t.elements(), len(t.Values))
		}
	}

	b := array.NewRecordBuilder(mem, Schema())
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	dims := b.Field(1).(*array.ListBuilder)
	dimVals := dims.ValueBuilder().(*array.Int64Builder)
	values := b.Field(2).(*array.ListBuilder)
	valueVals := values.ValueBuilder().(*array.Float32Builder)

	for _, t := range tensors {
		names.Append(t.Name)
		dims.Append(true)
		dimVals.AppendValues(t.Dims, nil)
		values.Append(true)
		valueVals.AppendValues(t.Values, nil)
	}
	return b.NewRecord(), nil
}

// WriteFile stores the tensors as an Arrow IPC file.
func WriteFile(path string, tensors []Tensor) error {
	rec, err := NewRecord(memory.DefaultAllocator, tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create IPC writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize IPC file: %w", err)
	}
	return f.Close()
}

// FlightUploader pushes tensor snapshots to an Arrow Flight collector.
type FlightUploader struct {
	client flight.Client
}

// Dial connects to the collector at addr (host:port, plaintext gRPC).
func Dial(addr string) (*FlightUploader, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightUploader{client: client}, nil
}

// Put uploads the tensors as one DoPut stream under the given dataset
// path.
func (u *FlightUploader) Put(ctx context.Context, dataset string, tensors []Tensor) error {
	rec, err := NewRecord(memory.DefaultAllocator, tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := u.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func (u *FlightUploader) Close() error {
	return u.client.Close()
}
