// Package export implements the Export Serializer: emitting an
// AlignedFrame as raw Arrow IPC, as chunked CSV, or as a Parquet object
// uploaded to S3-compatible storage with a presigned download URL. CSV is
// written one chunk at a time with headers set once up front, so a large
// export streams instead of buffering in full before the first byte goes
// out.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/k8-benetis/nkz-module-data-hub/internal/arrowcodec"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
)

// CSVChunkSize is the row-slice size used by the chunked CSV writer.
const CSVChunkSize = 10000

// PresignExpirySeconds is how long a Parquet download URL remains valid.
const PresignExpirySeconds = 3600

// ContentTypeArrow, ContentTypeCSV, ContentTypeParquet are the wire media
// types served by the export routes.
const (
	ContentTypeArrow   = "application/vnd.apache.arrow.stream"
	ContentTypeCSV     = "text/csv"
	ContentTypeParquet = "application/vnd.apache.parquet"
)

// Arrow encodes frame as an Arrow IPC stream.
func Arrow(frame model.AlignedFrame) ([]byte, error) {
	return arrowcodec.Encode(frame)
}

// CSVChunk is one slice of a chunked CSV response: Header is true only for
// the very first chunk.
type CSVChunk struct {
	Header bool
	Rows   [][]string
}

// CSVChunks splits frame into row slices of CSVChunkSize rows, the first
// carrying the header row. Row order follows frame.Timestamps, which the
// Alignment Engine always returns sorted ascending.
func CSVChunks(frame model.AlignedFrame) []CSVChunk {
	n := frame.NumRows()
	if n == 0 {
		return []CSVChunk{{Header: true, Rows: nil}}
	}

	var chunks []CSVChunk
	for start := 0; start < n; start += CSVChunkSize {
		end := start + CSVChunkSize
		if end > n {
			end = n
		}
		rows := make([][]string, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, csvRow(frame, i))
		}
		chunks = append(chunks, CSVChunk{Header: start == 0, Rows: rows})
	}
	return chunks
}

func csvRow(frame model.AlignedFrame, i int) []string {
	row := make([]string, 0, frame.NumCols()+1)
	row = append(row, strconv.FormatFloat(frame.Timestamps[i], 'f', -1, 64))
	for _, col := range frame.Values {
		if col.Valid[i] {
			row = append(row, strconv.FormatFloat(col.Values[i], 'f', -1, 64))
		} else {
			row = append(row, "")
		}
	}
	return row
}

// WriteCSVChunk serializes one CSVChunk to w as CSV, writing the header row
// first only when chunk.Header is set.
func WriteCSVChunk(w io.Writer, frame model.AlignedFrame, chunk CSVChunk) error {
	cw := csv.NewWriter(w)
	if chunk.Header {
		if err := cw.Write(csvHeader(frame)); err != nil {
			return err
		}
	}
	for _, row := range chunk.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvHeader(frame model.AlignedFrame) []string {
	header := make([]string, 0, frame.NumCols()+1)
	header = append(header, "timestamp")
	for i := range frame.Values {
		header = append(header, model.ColumnName(i))
	}
	return header
}

// Parquet serializes frame to Parquet with Snappy compression, grounded on
// the arrow-go parquet/pqarrow writer.
func Parquet(frame model.AlignedFrame) ([]byte, error) {
	pool := memory.NewGoAllocator()

	fields := make([]arrow.Field, 0, frame.NumCols()+1)
	fields = append(fields, arrow.Field{Name: "timestamp", Type: arrow.PrimitiveTypes.Float64})
	for i := range frame.Values {
		fields = append(fields, arrow.Field{Name: model.ColumnName(i), Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	tsBuilder := array.NewFloat64Builder(pool)
	defer tsBuilder.Release()
	tsBuilder.AppendValues(frame.Timestamps, nil)
	tsArr := tsBuilder.NewFloat64Array()
	defer tsArr.Release()

	cols := []arrow.Array{tsArr}
	for _, col := range frame.Values {
		b := array.NewFloat64Builder(pool)
		b.AppendValues(col.Values, col.Valid)
		arr := b.NewFloat64Array()
		b.Release()
		defer arr.Release()
		cols = append(cols, arr)
	}

	rec := array.NewRecord(schema, cols, int64(frame.NumRows()))
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("open parquet writer: %w", err)
	}
	if err := writer.WriteBuffered(rec); err != nil {
		return nil, fmt.Errorf("write parquet record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	return buf.Bytes(), nil
}

// ObjectKey builds the object-storage key for one tenant's Parquet export:
// exports/{tenant}/{random-uuid}.parquet, falling back to "anonymous" when
// tenant is empty.
func ObjectKey(tenant string) (string, error) {
	if tenant == "" {
		tenant = "anonymous"
	}
	return fmt.Sprintf("exports/%s/%s.parquet", tenant, uuid.New().String()), nil
}

// Uploader uploads a Parquet object and produces a presigned download URL.
// Implemented by internal/objectstore.Client.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ParquetResult is the JSON body returned for a successful Parquet export.
type ParquetResult struct {
	DownloadURL string `json:"download_url"`
	ExpiresIn   int    `json:"expires_in"`
	Format      string `json:"format"`
}

// UploadParquet serializes frame to Parquet and uploads it under a fresh
// object key for tenantID, returning the presigned-URL result body.
func UploadParquet(ctx context.Context, up Uploader, tenantID string, frame model.AlignedFrame) (ParquetResult, error) {
	body, err := Parquet(frame)
	if err != nil {
		return ParquetResult{}, err
	}

	key, err := ObjectKey(tenantID)
	if err != nil {
		return ParquetResult{}, err
	}

	if err := up.Upload(ctx, key, body, ContentTypeParquet); err != nil {
		return ParquetResult{}, fmt.Errorf("upload parquet export: %w", err)
	}

	url, err := up.PresignGet(ctx, key, PresignExpirySeconds*time.Second)
	if err != nil {
		return ParquetResult{}, fmt.Errorf("presign parquet export: %w", err)
	}

	return ParquetResult{DownloadURL: url, ExpiresIn: PresignExpirySeconds, Format: "parquet"}, nil
}
