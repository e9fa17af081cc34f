// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ConfigError reports an invalid pipeline configuration. It is always
// detected before any source is read.
type ConfigError struct {
	Source string // offending source, if any
	Field  string // offending canonical field or parameter, if any
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Source != "" {
		b.WriteString(" [source " + e.Source + "]")
	}
	if e.Field != "" {
		b.WriteString(" [field " + e.Field + "]")
	}
	b.WriteString(": " + e.Msg)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// FetchReason classifies a SourceFetchError.
type FetchReason string

const (
	ReasonNotFound         FetchReason = "not_found"
	ReasonUnreadable       FetchReason = "unreadable"
	ReasonMalformedRow     FetchReason = "malformed_row"
	ReasonHTTPStatus       FetchReason = "http_status"
	ReasonAuthFailed       FetchReason = "auth_failed"
	ReasonBadPayload       FetchReason = "bad_payload"
	ReasonTimeout          FetchReason = "timeout"
	ReasonRetriesExhausted FetchReason = "retries_exhausted"
	ReasonCanceled         FetchReason = "canceled"
	ReasonSnapshotMissing  FetchReason = "snapshot_missing"
)

// SourceFetchError reports a failure reading a source.
type SourceFetchError struct {
	Source string
	Reason FetchReason
	Line   int // 1-based line of a malformed row, 0 if not applicable
	Page   int // REST page, 0 if not applicable
	Status int // HTTP status, 0 if not applicable
	Err    error
}

func (e *SourceFetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Source, e.Reason)
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Page > 0 {
		msg += fmt.Sprintf(" on page %d", e.Page)
	}
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// AlignmentErrorKind classifies a SchemaAlignmentError.
type AlignmentErrorKind string

const (
	KindMissingField AlignmentErrorKind = "missing_field"
	KindCastFailure  AlignmentErrorKind = "cast_failure"
)

// SchemaAlignmentError reports a raw record that could not be mapped onto the
// canonical schema.
type SchemaAlignmentError struct {
	Kind   AlignmentErrorKind
	Field  string // canonical field
	Column string // raw column
	Type   FieldType
	Value  any // offending raw value for cast failures
	Origin Origin
	Err    error
}

func (e *SchemaAlignmentError) Error() string {
	switch e.Kind {
	case KindMissingField:
		return fmt.Sprintf("align %s: missing_field %q (column %q)", e.Origin, e.Field, e.Column)
	default:
		msg := fmt.Sprintf("align %s: cast_failure %q (column %q) to %s: value %v", e.Origin, e.Field, e.Column, e.Type, e.Value)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

func (e *SchemaAlignmentError) Unwrap() error { return e.Err }

// ExportErrorKind classifies an ExportError.
type ExportErrorKind string

const (
	KindIOFailure            ExportErrorKind = "io_failure"
	KindTemplateFieldMissing ExportErrorKind = "template_field_missing"
)

// ExportError reports a failure writing an artifact. No partially written file
// is left at the final path when it is returned.
type ExportError struct {
	Kind  ExportErrorKind
	Path  string
	Field string
	Err   error
}

func (e *ExportError) Error() string {
	msg := "export " + string(e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExportError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// AsFetchError returns the *SourceFetchError wrapped by err, if any.
func AsFetchError(err error) (*SourceFetchError, bool) {
	var target *SourceFetchError
	ok := errors.As(err, &target)
	return target, ok
}

// AsAlignmentError returns the *SchemaAlignmentError wrapped by err, if any.
func AsAlignmentError(err error) (*SchemaAlignmentError, bool) {
	var target *SchemaAlignmentError
	ok := errors.As(err, &target)
	return target, ok
}

// AsExportError returns the *ExportError wrapped by err, if any.
func AsExportError(err error) (*ExportError, bool) {
	var target *ExportError
	ok := errors.As(err, &target)
	return target, ok
}
