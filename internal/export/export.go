// Package export streams the backend CSV extract of the filtered rule list.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

// Filename is the suggested download name.
const Filename = "regulatory-rules.csv"

// Headers are the column titles the backend writes on the first line.
var Headers = []string{
	"Sequence Number", "Rule Type", "MD State", "Ship To State", "Zip Code",
	"Channel", "Reg Cat Code", "Drug Schedule", "Refill Number", "Quantity",
	"Days Supply", "User Location", "Dispensing Location", "Protocol",
	"Days Ago", "Max Days Supply", "Max Quantity", "Max Refill",
	"Max Days Allowed To Expiry Date",
}

// maxHeaderBytes bounds how much of the stream is buffered to find the
// header line.
const maxHeaderBytes = 4096

// Source produces the CSV stream. *rulesapi.Client satisfies it.
type Source interface {
	ExportRules(ctx context.Context, filters model.FilterMap, w io.Writer) (int64, error)
}

// Exporter copies the export to a writer. Failures never propagate: they are
// logged and reported as false so that the console keeps working.
type Exporter struct {
	source  Source
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewExporter creates an exporter over source.
func NewExporter(source Source, logger *zap.Logger, metrics *observability.Metrics) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{source: source, logger: logger, metrics: metrics}
}

// Export streams the CSV for filters into w.
func (e *Exporter) Export(ctx context.Context, filters model.FilterMap, w io.Writer) bool {
	logger := observability.RequestLogger(ctx, e.logger)

	sniff := &headerSniffer{w: w}
	n, err := e.source.ExportRules(ctx, filters, sniff)
	if err != nil {
		logger.Error("failed to export rules",
			zap.Error(err),
			zap.Int64("bytes", n),
			zap.Int("filters", len(filters)),
		)
		e.metrics.RecordExport("failure")
		return false
	}

	if got, ok := sniff.header(); ok && !slices.Equal(got, Headers) {
		logger.Warn("export header does not match the expected columns",
			zap.Strings("got", got),
			zap.Int("expected_columns", len(Headers)),
		)
	}

	logger.Info("rules exported", zap.Int64("bytes", n), zap.Int("filters", len(filters)))
	e.metrics.RecordExport("success")
	return true
}

// ExportGzip is Export with the stream gzip-compressed.
func (e *Exporter) ExportGzip(ctx context.Context, filters model.FilterMap, w io.Writer) bool {
	gz := gzip.NewWriter(w)
	ok := e.Export(ctx, filters, gz)
	if err := gz.Close(); err != nil {
		observability.RequestLogger(ctx, e.logger).Error("failed to finish compressed export", zap.Error(err))
		return false
	}
	return ok
}

// headerSniffer passes writes through while keeping the first line.
type headerSniffer struct {
	w    io.Writer
	buf  []byte
	done bool
}

func (s *headerSniffer) Write(p []byte) (int, error) {
	if !s.done {
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			s.buf = append(s.buf, p[:i]...)
			s.done = true
		} else {
			s.buf = append(s.buf, p...)
			if len(s.buf) >= maxHeaderBytes {
				s.done = true
			}
		}
	}
	return s.w.Write(p)
}

// header parses the buffered first line. ok is false when nothing was
// written.
func (s *headerSniffer) header() (fields []string, ok bool) {
	line := strings.TrimPrefix(string(s.buf), "\ufeff")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, false
	}
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return []string{line}, true
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, true
}
