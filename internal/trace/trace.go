// Package trace records every sampled token of a generation run as an
// Arrow IPC file, one row per step.
package trace

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-resena/internal/generate"
)

// DefaultBatchRows is the number of steps buffered per record batch.
const DefaultBatchRows = 256

var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "request_id", Type: arrow.BinaryTypes.String},
	{Name: "sequence", Type: arrow.PrimitiveTypes.Int32},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "piece", Type: arrow.BinaryTypes.String},
	{Name: "probability", Type: arrow.PrimitiveTypes.Float64},
	{Name: "candidates", Type: arrow.PrimitiveTypes.Int32},
}, nil)

type Writer struct {
	f       *os.File
	w       *ipc.FileWriter
	b       *array.RecordBuilder
	pending int
	batch   int
	rows    int
	err     error
}

// Create truncates path and writes the Arrow file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create arrow writer: %w", err)
	}
	return &Writer{
		f:     f,
		w:     w,
		b:     array.NewRecordBuilder(mem, Schema),
		batch: DefaultBatchRows,
	}, nil
}

// Observe appends one step. It fits generate.WithObserver; write errors
// are kept and reported by Close.
func (w *Writer) Observe(s generate.Step) {
	if w.err != nil {
		return
	}
	w.b.Field(0).(*array.StringBuilder).Append(s.RequestID)
	w.b.Field(1).(*array.Int32Builder).Append(int32(s.Sequence))
	w.b.Field(2).(*array.Int32Builder).Append(int32(s.Position))
	w.b.Field(3).(*array.Int32Builder).Append(int32(s.Token))
	w.b.Field(4).(*array.StringBuilder).Append(s.Piece)
	w.b.Field(5).(*array.Float64Builder).Append(s.Prob)
	w.b.Field(6).(*array.Int32Builder).Append(int32(s.Candidates))
	w.pending++
	w.rows++
	if w.pending >= w.batch {
		w.err = w.flush()
	}
}

// Rows is the number of steps observed so far.
func (w *Writer) Rows() int { return w.rows }

func (w *Writer) flush() error {
	if w.pending == 0 {
		return nil
	}
	rec := w.b.NewRecord()
	defer rec.Release()
	w.pending = 0
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("write trace batch: %w", err)
	}
	return nil
}

// Close flushes buffered steps and writes the file footer.
func (w *Writer) Close() error {
	err := w.err
	if err == nil {
		err = w.flush()
	}
	w.b.Release()
	if cerr := w.w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close arrow writer: %w", cerr)
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Read loads every step stored in a trace file.
func Read(path string) ([]generate.Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open arrow file: %w", err)
	}
	defer r.Close()

	if !r.Schema().Equal(Schema) {
		return nil, fmt.Errorf("unexpected trace schema: %s", r.Schema())
	}

	var steps []generate.Step
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read batch %d: %w", i, err)
		}
		reqID := rec.Column(0).(*array.String)
		seq := rec.Column(1).(*array.Int32)
		pos := rec.Column(2).(*array.Int32)
		tok := rec.Column(3).(*array.Int32)
		piece := rec.Column(4).(*array.String)
		prob := rec.Column(5).(*array.Float64)
		cand := rec.Column(6).(*array.Int32)
		for j := 0; j < int(rec.NumRows()); j++ {
			steps = append(steps, generate.Step{
				RequestID:  reqID.Value(j),
				Sequence:   int(seq.Value(j)),
				Position:   int(pos.Value(j)),
				Token:      int(tok.Value(j)),
				Piece:      piece.Value(j),
				Prob:       prob.Value(j),
				Candidates: int(cand.Value(j)),
			})
		}
	}
	return steps, nil
}
