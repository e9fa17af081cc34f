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


package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/datamesh/core"
)

// RunSummaryMUS is the MUS serializer of core.RunSummary. Timestamps are
// stored as Unix microseconds in UTC.
var RunSummaryMUS = runSummaryMUS{}

// SourceSummaryMUS is the MUS serializer of core.SourceSummary.
var SourceSummaryMUS = sourceSummaryMUS{}

// ExportArtifactMUS is the MUS serializer of core.ExportArtifact.
var ExportArtifactMUS = exportArtifactMUS{}

type sourceSummaryMUS struct{}

func (sourceSummaryMUS) Size(v core.SourceSummary) (size int) {
	size = ord.String.Size(v.Name)
	size += varint.Int.Size(v.Read)
	size += varint.Int.Size(v.Rejected)
	size += varint.Int.Size(v.Duplicates)
	return size + varint.Int.Size(v.Emitted)
}

func (sourceSummaryMUS) Marshal(v core.SourceSummary, bs []byte) (n int) {
	n = ord.String.Marshal(v.Name, bs)
	n += varint.Int.Marshal(v.Read, bs[n:])
	n += varint.Int.Marshal(v.Rejected, bs[n:])
	n += varint.Int.Marshal(v.Duplicates, bs[n:])
	return n + varint.Int.Marshal(v.Emitted, bs[n:])
}

func (sourceSummaryMUS) Unmarshal(bs []byte) (v core.SourceSummary, n int, err error) {
	var n1 int
	if v.Name, n, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	for _, dst := range []*int{&v.Read, &v.Rejected, &v.Duplicates, &v.Emitted} {
		*dst, n1, err = varint.Int.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
	}
	return
}

type exportArtifactMUS struct{}

func (exportArtifactMUS) Size(v core.ExportArtifact) (size int) {
	size = ord.String.Size(v.Path)
	size += ord.String.Size(v.Format)
	size += varint.Int64.Size(v.Bytes)
	size += varint.Int.Size(v.Records)
	return size + ord.String.Size(v.Digest)
}

func (exportArtifactMUS) Marshal(v core.ExportArtifact, bs []byte) (n int) {
	n = ord.String.Marshal(v.Path, bs)
	n += ord.String.Marshal(v.Format, bs[n:])
	n += varint.Int64.Marshal(v.Bytes, bs[n:])
	n += varint.Int.Marshal(v.Records, bs[n:])
	return n + ord.String.Marshal(v.Digest, bs[n:])
}

func (exportArtifactMUS) Unmarshal(bs []byte) (v core.ExportArtifact, n int, err error) {
	var n1 int
	if v.Path, n, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	v.Format, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Bytes, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Records, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Digest, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	return
}

type runSummaryMUS struct{}

func (runSummaryMUS) Size(v core.RunSummary) (size int) {
	size = ord.String.Size(v.RunID)
	size += ord.String.Size(v.ConfigDigest)
	size += varint.Int64.Size(toMicros(v.StartedAt))
	size += varint.Int64.Size(toMicros(v.FinishedAt))
	size += varint.Int.Size(len(v.Sources))
	for _, s := range v.Sources {
		size += SourceSummaryMUS.Size(s)
	}
	size += varint.Int.Size(v.Rejected)
	size += varint.Int.Size(v.Duplicates)
	size += varint.Int.Size(v.Records)
	size += varint.Int.Size(len(v.Artifacts))
	for _, a := range v.Artifacts {
		size += ExportArtifactMUS.Size(a)
	}
	return size
}

func (runSummaryMUS) Marshal(v core.RunSummary, bs []byte) (n int) {
	n = ord.String.Marshal(v.RunID, bs)
	n += ord.String.Marshal(v.ConfigDigest, bs[n:])
	n += varint.Int64.Marshal(toMicros(v.StartedAt), bs[n:])
	n += varint.Int64.Marshal(toMicros(v.FinishedAt), bs[n:])
	n += varint.Int.Marshal(len(v.Sources), bs[n:])
	for _, s := range v.Sources {
		n += SourceSummaryMUS.Marshal(s, bs[n:])
	}
	n += varint.Int.Marshal(v.Rejected, bs[n:])
	n += varint.Int.Marshal(v.Duplicates, bs[n:])
	n += varint.Int.Marshal(v.Records, bs[n:])
	n += varint.Int.Marshal(len(v.Artifacts), bs[n:])
	for _, a := range v.Artifacts {
		n += ExportArtifactMUS.Marshal(a, bs[n:])
	}
	return n
}

func (runSummaryMUS) Unmarshal(bs []byte) (v core.RunSummary, n int, err error) {
	var (
		n1     int
		micros int64
		length int
	)
	if v.RunID, n, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	v.ConfigDigest, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	micros, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.StartedAt = fromMicros(micros)
	micros, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.FinishedAt = fromMicros(micros)

	length, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	if length < 0 || length > len(bs)-n {
		err = ErrTruncatedData
		return
	}
	if length > 0 {
		v.Sources = make([]core.SourceSummary, length)
		for i := range v.Sources {
			v.Sources[i], n1, err = SourceSummaryMUS.Unmarshal(bs[n:])
			n += n1
			if err != nil {
				return
			}
		}
	}

	for _, dst := range []*int{&v.Rejected, &v.Duplicates, &v.Records} {
		*dst, n1, err = varint.Int.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
	}

	length, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	if length < 0 || length > len(bs)-n {
		err = ErrTruncatedData
		return
	}
	if length > 0 {
		v.Artifacts = make([]core.ExportArtifact, length)
		for i := range v.Artifacts {
			v.Artifacts[i], n1, err = ExportArtifactMUS.Unmarshal(bs[n:])
			n += n1
			if err != nil {
				return
			}
		}
	}
	return
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// MarshalRunSummary serializes a RunSummary to bytes.
func MarshalRunSummary(summary *core.RunSummary) []byte {
	buf := make([]byte, RunSummaryMUS.Size(*summary))
	RunSummaryMUS.Marshal(*summary, buf)
	return buf
}

// UnmarshalRunSummary deserializes a RunSummary from bytes.
func UnmarshalRunSummary(data []byte) (*core.RunSummary, error) {
	summary, _, err := RunSummaryMUS.Unmarshal(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unmarshal run summary"), ErrSerializationFailed)
	}
	return &summary, nil
}
