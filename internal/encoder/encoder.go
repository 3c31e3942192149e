// Package encoder implements the columnar IPC response encoder of
// spec.md §4.8: a single streamable Arrow record batch with a fixed
// seven-column schema, grouped by data_type. Scalar metadata travels
// separately as response headers (spec.md §6), not as encoded columns.
package encoder

import (
	"bytes"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/iron-insights/iron-insights/internal/payload"
)

// DataType is the discriminant value of the data_type column.
type DataType string

const (
	RawHistogram  DataType = "raw_histogram"
	DotsHistogram DataType = "dots_histogram"
	RawScatter    DataType = "raw_scatter"
	DotsScatter   DataType = "dots_scatter"
)

// Schema is the fixed seven-column schema of spec.md §4.8.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "data_type", Type: arrow.BinaryTypes.String},
	{Name: "hist_values", Type: arrow.PrimitiveTypes.Float64},
	{Name: "hist_counts", Type: arrow.PrimitiveTypes.Float64},
	{Name: "hist_bins", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scatter_x", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scatter_y", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scatter_sex", Type: arrow.BinaryTypes.String},
}, nil)

var allocator = memory.NewGoAllocator()

// Encode packs a Payload into a single record batch, rows grouped by
// data_type in the fixed order: raw_histogram, dots_histogram,
// raw_scatter, dots_scatter. An empty series contributes zero rows.
func Encode(p payload.Payload) ([]byte, error) {
	rec := buildRecord(p)
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(Schema), ipc.WithAllocator(allocator))
	if err != nil {
		return nil, fmt.Errorf("encoder: new writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("encoder: write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encoder: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeStream writes a Payload to w as a multi-batch IPC stream, one
// batch per non-empty data_type section, so large results can be
// flushed incrementally (spec.md §6 /api/visualize-arrow-stream).
func EncodeStream(w io.Writer, p payload.Payload) error {
	sw, err := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(allocator))
	if err != nil {
		return fmt.Errorf("encoder: new stream writer: %w", err)
	}

	sections := []struct {
		dt    DataType
		write func(*array.RecordBuilder)
	}{
		{RawHistogram, func(b *array.RecordBuilder) { appendHistogram(b, RawHistogram, p.RawHistogram) }},
		{DotsHistogram, func(b *array.RecordBuilder) { appendHistogram(b, DotsHistogram, p.DotsHistogram) }},
		{RawScatter, func(b *array.RecordBuilder) { appendScatter(b, RawScatter, p.RawScatter) }},
		{DotsScatter, func(b *array.RecordBuilder) { appendScatter(b, DotsScatter, p.DotsScatter) }},
	}

	for _, s := range sections {
		rowCount := sectionLen(p, s.dt)
		if rowCount == 0 {
			continue
		}
		b := array.NewRecordBuilder(allocator, Schema)
		s.write(b)
		rec := b.NewRecord()
		b.Release()

		if err := sw.Write(rec); err != nil {
			rec.Release()
			sw.Close()
			return fmt.Errorf("encoder: write batch %s: %w", s.dt, err)
		}
		rec.Release()
	}

	return sw.Close()
}

func sectionLen(p payload.Payload, dt DataType) int {
	switch dt {
	case RawHistogram:
		return len(p.RawHistogram)
	case DotsHistogram:
		return len(p.DotsHistogram)
	case RawScatter:
		return len(p.RawScatter)
	case DotsScatter:
		return len(p.DotsScatter)
	default:
		return 0
	}
}

func buildRecord(p payload.Payload) arrow.Record {
	b := array.NewRecordBuilder(allocator, Schema)
	defer b.Release()

	appendHistogram(b, RawHistogram, p.RawHistogram)
	appendHistogram(b, DotsHistogram, p.DotsHistogram)
	appendScatter(b, RawScatter, p.RawScatter)
	appendScatter(b, DotsScatter, p.DotsScatter)

	return b.NewRecord()
}

func appendHistogram(b *array.RecordBuilder, dt DataType, bins []payload.HistogramBin) {
	dataType := b.Field(0).(*array.StringBuilder)
	histValues := b.Field(1).(*array.Float64Builder)
	histCounts := b.Field(2).(*array.Float64Builder)
	histBins := b.Field(3).(*array.Float64Builder)
	scatterX := b.Field(4).(*array.Float64Builder)
	scatterY := b.Field(5).(*array.Float64Builder)
	scatterSex := b.Field(6).(*array.StringBuilder)

	for _, bin := range bins {
		dataType.Append(string(dt))
		histValues.Append(bin.Value)
		histCounts.Append(bin.Count)
		histBins.Append(bin.Lo)
		scatterX.Append(0)
		scatterY.Append(0)
		scatterSex.Append("")
	}
}

func appendScatter(b *array.RecordBuilder, dt DataType, pts []payload.ScatterPoint) {
	dataType := b.Field(0).(*array.StringBuilder)
	histValues := b.Field(1).(*array.Float64Builder)
	histCounts := b.Field(2).(*array.Float64Builder)
	histBins := b.Field(3).(*array.Float64Builder)
	scatterX := b.Field(4).(*array.Float64Builder)
	scatterY := b.Field(5).(*array.Float64Builder)
	scatterSex := b.Field(6).(*array.StringBuilder)

	for _, pt := range pts {
		dataType.Append(string(dt))
		histValues.Append(0)
		histCounts.Append(0)
		histBins.Append(0)
		scatterX.Append(pt.X)
		scatterY.Append(pt.Y)
		scatterSex.Append(pt.Sex)
	}
}

// Decode reconstructs a Payload from bytes produced by Encode,
// preserving row order within each data_type section. Only each
// histogram bin's lower edge is encoded, so decoded bins have Hi
// left at zero.
func Decode(data []byte) (payload.Payload, error) {
	r, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(allocator))
	if err != nil {
		return payload.Payload{}, fmt.Errorf("encoder: new reader: %w", err)
	}
	defer r.Close()

	var p payload.Payload
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return payload.Payload{}, fmt.Errorf("encoder: read record %d: %w", i, err)
		}
		decodeRecord(rec, &p)
	}
	return p, nil
}

// DecodeStream reconstructs a Payload from a multi-batch IPC stream
// produced by EncodeStream.
func DecodeStream(r io.Reader) (payload.Payload, error) {
	sr, err := ipc.NewReader(r, ipc.WithAllocator(allocator))
	if err != nil {
		return payload.Payload{}, fmt.Errorf("encoder: new stream reader: %w", err)
	}
	defer sr.Release()

	var p payload.Payload
	for sr.Next() {
		decodeRecord(sr.Record(), &p)
	}
	if err := sr.Err(); err != nil && err != io.EOF {
		return payload.Payload{}, fmt.Errorf("encoder: stream: %w", err)
	}
	return p, nil
}

func decodeRecord(rec arrow.Record, p *payload.Payload) {
	dataType := rec.Column(0).(*array.String)
	histValues := rec.Column(1).(*array.Float64)
	histCounts := rec.Column(2).(*array.Float64)
	histBins := rec.Column(3).(*array.Float64)
	scatterX := rec.Column(4).(*array.Float64)
	scatterY := rec.Column(5).(*array.Float64)
	scatterSex := rec.Column(6).(*array.String)

	for i := 0; i < int(rec.NumRows()); i++ {
		switch DataType(dataType.Value(i)) {
		case RawHistogram:
			p.RawHistogram = append(p.RawHistogram, payload.HistogramBin{
				Value: histValues.Value(i), Count: histCounts.Value(i), Lo: histBins.Value(i),
			})
		case DotsHistogram:
			p.DotsHistogram = append(p.DotsHistogram, payload.HistogramBin{
				Value: histValues.Value(i), Count: histCounts.Value(i), Lo: histBins.Value(i),
			})
		case RawScatter:
			p.RawScatter = append(p.RawScatter, payload.ScatterPoint{
				X: scatterX.Value(i), Y: scatterY.Value(i), Sex: scatterSex.Value(i),
			})
		case DotsScatter:
			p.DotsScatter = append(p.DotsScatter, payload.ScatterPoint{
				X: scatterX.Value(i), Y: scatterY.Value(i), Sex: scatterSex.Value(i),
			})
		}
	}
}
