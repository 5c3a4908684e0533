// fault_reporter.go: Error records written back into the repository
//
// Operators observe plugin health only through the presence and content of
// "<module>__an_error_occured.txt" in the plugin container. Each record is
// "<UTC timestamp> - <message>" and replaces the previous one.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
)

// ErrorRecord is the parsed content of an error key.
type ErrorRecord struct {
	Timestamp time.Time
	Message   string
}

// String renders the record as stored.
func (r ErrorRecord) String() string {
	return fmt.Sprintf("%s - %s", r.Timestamp.UTC().Format(time.RFC3339), r.Message)
}

// ParseErrorRecord parses stored record text. Text without a parsable
// timestamp is returned whole as the message.
func ParseErrorRecord(text string) ErrorRecord {
	stamp, message, ok := strings.Cut(text, " - ")
	if !ok {
		return ErrorRecord{Message: text}
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ErrorRecord{Message: text}
	}
	return ErrorRecord{Timestamp: t, Message: message}
}

// FaultReporter writes error records. Reporting is best-effort: store
// failures are logged and swallowed.
type FaultReporter struct {
	store   Store
	logger  Logger
	metrics MetricsCollector
	now     func() time.Time
}

// NewFaultReporter creates a reporter writing into store.
func NewFaultReporter(store Store, logger Logger, metrics MetricsCollector) *FaultReporter {
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	return &FaultReporter{
		store:   store,
		logger:  NewLogger(logger),
		metrics: metrics,
		now:     timecache.CachedTime,
	}
}

// Report overwrites the error record of module in container.
func (f *FaultReporter) Report(ctx context.Context, container, module, message string) {
	record := ErrorRecord{Timestamp: f.now(), Message: message}
	key := ErrorKey(module)

	f.logger.Error("Plugin error reported", "container", container, "module", module, "message", message)
	if err := f.store.UploadText(ctx, container, key, record.String()); err != nil {
		f.logger.Warn("Failed to write error record", "container", container, "key", key, "error", err)
		return
	}
	f.metrics.IncrementCounter(MetricErrorRecords, nil, 1)
}

// ReportError formats err as a record for module.
func (f *FaultReporter) ReportError(ctx context.Context, container, module string, err error) {
	f.Report(ctx, container, module, describeError(err))
}

// Clear removes the error record of module. Unlike Report it returns the
// store error, since clearing happens on the poll path.
func (f *FaultReporter) Clear(ctx context.Context, container, module string) error {
	return f.store.DeleteIfExists(ctx, container, ErrorKey(module))
}

// Read returns the current record of module, if any.
func (f *FaultReporter) Read(ctx context.Context, container, module string) (ErrorRecord, bool, error) {
	exists, err := f.store.Exists(ctx, container, ErrorKey(module))
	if err != nil || !exists {
		return ErrorRecord{}, false, err
	}
	text, err := f.store.DownloadText(ctx, container, ErrorKey(module))
	if err != nil {
		return ErrorRecord{}, false, err
	}
	return ParseErrorRecord(text), true, nil
}
