// Package stage reads and writes the on-disk staging formats (NDJSON, CSV,
// Parquet) that sit between the platform API and local tooling. Download
// commands plug these writers in as the pipeline's write stage; upload
// commands use the reader as the download source.
package stage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// Record is one staged domain object.
type Record map[string]any

// Writer persists chunks of records to one staging file.
type Writer interface {
	WriteChunk(records []Record) error
	Close() error
	Rows() int
}

// --- NDJSON ---

type ndjsonWriter struct {
	f    *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	rows int
}

// NewNDJSONWriter appends one JSON document per line to path.
func NewNDJSONWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create ndjson file %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	return &ndjsonWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *ndjsonWriter) WriteChunk(records []Record) error {
	for _, r := range records {
		if err := w.enc.Encode(r); err != nil {
			return fmt.Errorf("encode ndjson record: %w", err)
		}
		w.rows++
	}
	return nil
}

func (w *ndjsonWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Join(fmt.Errorf("flush ndjson buffer: %w", err), w.f.Close())
	}
	return w.f.Close()
}

func (w *ndjsonWriter) Rows() int { return w.rows }

// --- CSV ---

type csvWriter struct {
	f       *os.File
	w       *csv.Writer
	headers []string
	rows    int
}

// NewCSVWriter writes records as CSV rows. The column set is fixed from the
// first chunk's first record, sorted for stable output.
func NewCSVWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv file %s: %w", path, err)
	}
	return &csvWriter{f: f, w: csv.NewWriter(f)}, nil
}

func (w *csvWriter) WriteChunk(records []Record) error {
	for _, r := range records {
		if w.headers == nil {
			w.headers = sortedKeys(r)
			if err := w.w.Write(w.headers); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
		}
		row := make([]string, len(w.headers))
		for i, h := range w.headers {
			row[i] = stringify(r[h])
		}
		if err := w.w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		w.rows++
	}
	return nil
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return errors.Join(fmt.Errorf("flush csv: %w", err), w.f.Close())
	}
	return w.f.Close()
}

func (w *csvWriter) Rows() int { return w.rows }

// --- Parquet ---

type parquetWriter struct {
	path    string
	fw      source.ParquetFile
	pw      *writer.CSVWriter
	headers []string
	rows    int
}

// NewParquetWriter writes records to a snappy-compressed Parquet file. The
// schema is inferred from the first record: booleans, integers and floats map
// to their native types, everything else lands as UTF8.
func NewParquetWriter(path string) (Writer, error) {
	return &parquetWriter{path: path}, nil
}

func (w *parquetWriter) WriteChunk(records []Record) error {
	for _, r := range records {
		if w.pw == nil {
			if err := w.initWriter(r); err != nil {
				return err
			}
		}
		row := make([]*string, len(w.headers))
		for i, h := range w.headers {
			v, ok := r[h]
			if !ok || v == nil {
				row[i] = nil
				continue
			}
			s := stringify(v)
			row[i] = &s
		}
		if err := w.pw.WriteString(row); err != nil {
			return fmt.Errorf("write parquet row to %s: %w", w.path, err)
		}
		w.rows++
	}
	return nil
}

func (w *parquetWriter) initWriter(first Record) error {
	w.headers = sortedKeys(first)
	meta := make([]string, len(w.headers))
	for i, h := range w.headers {
		switch inferParquetType(first[h]) {
		case "BYTE_ARRAY":
			meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", h)
		default:
			meta[i] = fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", h, inferParquetType(first[h]))
		}
	}

	fw, err := local.NewLocalFileWriter(w.path)
	if err != nil {
		return fmt.Errorf("create parquet file %s: %w", w.path, err)
	}
	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("init parquet writer %s: %w", w.path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	w.fw = fw
	w.pw = pw
	return nil
}

func (w *parquetWriter) Close() error {
	if w.pw == nil {
		// Nothing was ever written; leave no file behind.
		return nil
	}
	if err := w.pw.WriteStop(); err != nil {
		return errors.Join(fmt.Errorf("finalize parquet %s: %w", w.path, err), w.fw.Close())
	}
	return w.fw.Close()
}

func (w *parquetWriter) Rows() int { return w.rows }

func inferParquetType(v any) string {
	switch t := v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "INT64"
	case float32, float64:
		// JSON numbers decode as float64; keep integral ones as INT64.
		if f, ok := t.(float64); ok && f == float64(int64(f)) {
			return "INT64"
		}
		return "DOUBLE"
	default:
		return "BYTE_ARRAY"
	}
}

func sortedKeys(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
