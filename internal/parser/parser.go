// Package parser turns an uploaded byte stream into a header schema and
// a forward-only sequence of raw records.
//
// The stream is sanitized and spilled to a temp file while the payload
// byte ceiling is enforced incrementally, so an oversized upload is
// rejected mid-stream without ever buffering in full. Records are then
// decoded lazily from disk, and the sequence can be restarted from the
// spill file without re-reading the original stream.
package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"

	"github.com/JonMunkholm/importflow/internal/validate"
)

// ErrUnsupportedFormat is returned when the declared content type is not
// a format the parser can decode.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrPayloadTooLarge is returned when the upload stream exceeds the
// configured byte ceiling. Detection is incremental: the error surfaces
// as soon as the ceiling is crossed, not after the stream is consumed.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum allowed size")

// ErrEmptyFile is returned when the stream contains no header row.
var ErrEmptyFile = errors.New("file is empty")

// csvContentTypes are the declared types accepted as CSV. Spreadsheet
// tools are sloppy about this, so a few aliases are tolerated.
var csvContentTypes = map[string]bool{
	"text/csv":                 true,
	"application/csv":          true,
	"text/plain":               true,
	"application/vnd.ms-excel": true,
}

// Schema describes the header row of an uploaded dataset.
type Schema struct {
	Columns []string
}

// Parser decodes upload streams subject to a byte ceiling.
type Parser struct {
	maxBytes int64
}

// New creates a parser. maxBytes <= 0 disables the ceiling.
func New(maxBytes int64) *Parser {
	return &Parser{maxBytes: maxBytes}
}

// Parse validates the declared type, spills the sanitized stream to a
// temp file enforcing the byte ceiling as it copies, and reads the
// header row. The returned Dataset owns the spill file; callers must
// Close it when done iterating.
func (p *Parser) Parse(ctx context.Context, r io.Reader, declaredType string) (*Dataset, error) {
	mediaType := declaredType
	if parsed, _, err := mime.ParseMediaType(declaredType); err == nil {
		mediaType = parsed
	}
	if !csvContentTypes[strings.ToLower(strings.TrimSpace(mediaType))] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, declaredType)
	}

	spill, err := os.CreateTemp("", "importflow-upload-*.csv")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}

	if _, err := io.Copy(spill, wrapStream(r, p.maxBytes)); err != nil {
		spill.Close()
		os.Remove(spill.Name())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if err := spill.Close(); err != nil {
		os.Remove(spill.Name())
		return nil, fmt.Errorf("finish spill file: %w", err)
	}

	ds := &Dataset{path: spill.Name()}

	iter, err := ds.Records()
	if err != nil {
		ds.Close()
		return nil, err
	}
	defer iter.Close()

	header, err := iter.readHeader()
	if err != nil {
		ds.Close()
		return nil, err
	}
	ds.Schema = Schema{Columns: header}

	return ds, nil
}

// Dataset is a parsed upload: a header schema plus a record sequence
// restartable from the spill file on disk.
type Dataset struct {
	Schema Schema

	path string
}

// Records opens a fresh forward-only iteration over the dataset.
func (d *Dataset) Records() (*RecordIter, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open spill file: %w", err)
	}

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1 // ragged rows are a validation concern, not a parse error
	cr.LazyQuotes = true

	return &RecordIter{file: f, csv: cr}, nil
}

// Close removes the spill file. Iterators opened earlier keep working
// on POSIX systems until they are closed themselves.
func (d *Dataset) Close() error {
	return os.Remove(d.path)
}

// RecordIter walks a dataset's records in order.
type RecordIter struct {
	file   *os.File
	csv    *csv.Reader
	header []string
	ready  bool
}

// readHeader consumes the header row. Called once per iteration before
// the first Next.
func (it *RecordIter) readHeader() ([]string, error) {
	row, err := it.csv.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range row {
		row[i] = strings.TrimSpace(col)
	}
	it.header = row
	it.ready = true
	return row, nil
}

// Next returns the next record keyed by header column, or ok=false at
// the end of the sequence. Cells beyond the header width are dropped;
// missing trailing cells read as empty strings.
func (it *RecordIter) Next() (validate.Record, bool, error) {
	if !it.ready {
		if _, err := it.readHeader(); err != nil {
			return nil, false, err
		}
	}

	row, err := it.csv.Read()
	if err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read record: %w", err)
	}

	rec := make(validate.Record, len(it.header))
	for i, col := range it.header {
		if i < len(row) {
			rec[col] = row[i]
		} else {
			rec[col] = ""
		}
	}
	return rec, true, nil
}

// Close releases the iterator's file handle.
func (it *RecordIter) Close() error {
	return it.file.Close()
}
