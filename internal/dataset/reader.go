package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/segmentio/parquet-go"
)

// ErrMalformedRow marks a row that could not be decoded. The reader stays usable.
var ErrMalformedRow = errors.New("malformed row")

// Reader yields dataset rows in file order
type Reader interface {
	// Next returns io.EOF after the last row
	Next() (Row, error)
	Close() error
}

// OpenReader opens a dataset file in the given format
func OpenReader(path string, format FileFormat) (Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s file: %w", format, err)
	}

	switch format {
	case FormatCSV:
		r, err := newCSVReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return r, nil
	case FormatJSONL:
		return newJSONLReader(file), nil
	case FormatParquet:
		return newParquetReader(file), nil
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

// csvReader maps each record onto the header columns
type csvReader struct {
	file   *os.File
	reader *csv.Reader
	header []string
	index  int64
}

func newCSVReader(file *os.File) (*csvReader, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &csvReader{file: file, reader: reader, header: header}, nil
}

func (r *csvReader) Next() (Row, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return Row{}, io.EOF
	}
	index := r.index
	r.index++
	if err != nil {
		return Row{Index: index}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if len(record) != len(r.header) {
		return Row{Index: index}, fmt.Errorf("%w: %d fields, header has %d",
			ErrMalformedRow, len(record), len(r.header))
	}

	fields := make(map[string]any, len(record))
	for i, col := range r.header {
		fields[col] = record[i]
	}
	return Row{Index: index, Fields: fields}, nil
}

func (r *csvReader) Close() error {
	return r.file.Close()
}

// jsonlReader decodes one JSON object per line
type jsonlReader struct {
	file    *os.File
	scanner *bufio.Scanner
	index   int64
}

func newJSONLReader(file *os.File) *jsonlReader {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &jsonlReader{file: file, scanner: scanner}
}

func (r *jsonlReader) Next() (Row, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		index := r.index
		r.index++

		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			return Row{Index: index}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		return Row{Index: index, Fields: fields}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Row{}, fmt.Errorf("failed to read JSON lines: %w", err)
	}
	return Row{}, io.EOF
}

func (r *jsonlReader) Close() error {
	return r.file.Close()
}

// parquetReader decodes rows of any flat schema into field maps.
// Repeated columns become []any.
type parquetReader struct {
	file     *os.File
	reader   *parquet.Reader
	names    []string
	repeated []bool
	buf      []parquet.Row
	pending  []parquet.Row
	index    int64
	done     bool
}

func newParquetReader(file *os.File) *parquetReader {
	reader := parquet.NewReader(file)
	schema := reader.Schema()

	columns := schema.Columns()
	names := make([]string, len(columns))
	repeated := make([]bool, len(columns))
	for i, path := range columns {
		names[i] = path[0]
		if leaf, ok := schema.Lookup(path...); ok {
			repeated[i] = leaf.MaxRepetitionLevel > 0
		}
	}

	return &parquetReader{
		file:     file,
		reader:   reader,
		names:    names,
		repeated: repeated,
		buf:      make([]parquet.Row, 64),
	}
}

func (r *parquetReader) Next() (Row, error) {
	if len(r.pending) == 0 {
		if r.done {
			return Row{}, io.EOF
		}
		n, err := r.reader.ReadRows(r.buf)
		if err != nil {
			if err != io.EOF {
				return Row{}, fmt.Errorf("failed to read Parquet rows: %w", err)
			}
			r.done = true
		}
		if n == 0 {
			return Row{}, io.EOF
		}
		r.pending = r.buf[:n]
	}

	row := r.pending[0]
	r.pending = r.pending[1:]
	index := r.index
	r.index++

	fields := make(map[string]any, len(r.names))
	for _, value := range row {
		col := value.Column()
		if col < 0 || col >= len(r.names) {
			continue
		}
		name := r.names[col]
		if !r.repeated[col] {
			fields[name] = parquetValue(value)
			continue
		}
		list, _ := fields[name].([]any)
		if value.IsNull() {
			// an empty list is a single null value
			if list == nil {
				fields[name] = []any{}
			}
			continue
		}
		fields[name] = append(list, parquetValue(value))
	}
	return Row{Index: index, Fields: fields}, nil
}

func (r *parquetReader) Close() error {
	r.reader.Close()
	return r.file.Close()
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
