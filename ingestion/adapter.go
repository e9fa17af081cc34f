package ingestion

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/datamesh/core"
)

// Adapter reads the raw records of one source.
type Adapter interface {
	// Name returns the source name.
	Name() string

	// Kind returns the adapter variant.
	Kind() core.SourceKind

	// Fetch returns the records of the source in source order. The sequence
	// ends after the last record or after yielding a *core.SourceFetchError.
	// Each call re-reads the source.
	Fetch(ctx context.Context) iter.Seq2[core.RawRecord, error]
}

// PageStore persists raw REST page bodies. storage.SnapshotRepository
// satisfies it.
type PageStore interface {
	SavePage(ctx context.Context, source string, page int, body []byte) error
	LoadPage(ctx context.Context, source string, page int) ([]byte, error)
}

// SnapshotMode selects how REST adapters use the PageStore.
type SnapshotMode int

const (
	// SnapshotOff ignores the page store.
	SnapshotOff SnapshotMode = iota
	// SnapshotRecord saves every fetched page body.
	SnapshotRecord
	// SnapshotReplay serves pages from the store and never contacts the endpoint.
	SnapshotReplay
)

// ParseSnapshotMode maps "off", "record" or "replay" to a SnapshotMode.
func ParseSnapshotMode(s string) (SnapshotMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return SnapshotOff, nil
	case "record":
		return SnapshotRecord, nil
	case "replay":
		return SnapshotReplay, nil
	}
	return SnapshotOff, fmt.Errorf("unknown snapshot mode %q", s)
}

func (m SnapshotMode) String() string {
	switch m {
	case SnapshotRecord:
		return "record"
	case SnapshotReplay:
		return "replay"
	default:
		return "off"
	}
}

// Factory creates adapters from source descriptors.
type Factory struct {
	client     *http.Client
	authorizer Authorizer
	pages      PageStore
	mode       SnapshotMode
	logger     *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory) error

// WithHTTPClient sets the client used by REST adapters.
// Default is a client without a global timeout; per request deadlines come
// from the request_timeout parameter.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) error {
		if client != nil {
			f.client = client
		}
		return nil
	}
}

// WithAuthorizer sets the request authorizer of REST adapters.
func WithAuthorizer(a Authorizer) Option {
	return func(f *Factory) error {
		f.authorizer = a
		return nil
	}
}

// WithPageStore enables page snapshots in the given mode.
func WithPageStore(store PageStore, mode SnapshotMode) Option {
	return func(f *Factory) error {
		if mode != SnapshotOff && store == nil {
			return ErrPageStoreRequired
		}
		f.pages = store
		f.mode = mode
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) error {
		if logger == nil {
			logger = slog.Default()
		}
		f.logger = logger
		return nil
	}
}

// NewFactory creates an adapter factory.
func NewFactory(opts ...Option) (*Factory, error) {
	f := &Factory{
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.logger = f.logger.With("component", "ingestion")
	return f, nil
}

// New creates the adapter for a source. Unsupported kinds and invalid
// parameters are reported as *core.ConfigError.
func (f *Factory) New(desc core.SourceDescriptor) (Adapter, error) {
	switch desc.Kind {
	case core.SourceKindCSV:
		return newCSVAdapter(desc, f.logger)
	case core.SourceKindJSONL:
		return newJSONLAdapter(desc, f.logger)
	case core.SourceKindREST:
		return newRESTAdapter(desc, f)
	default:
		return nil, &core.ConfigError{Source: desc.Name, Msg: fmt.Sprintf("unsupported source type %q", desc.Kind)}
	}
}

// intParam parses a positive integer parameter.
func intParam(desc core.SourceDescriptor, name string, def, least int) (int, error) {
	raw := desc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &core.ConfigError{Source: desc.Name, Field: name, Msg: "must be an integer", Err: err}
	}
	if v < least {
		return 0, &core.ConfigError{Source: desc.Name, Field: name, Msg: fmt.Sprintf("must be at least %d", least)}
	}
	return v, nil
}

// durationParam parses a duration parameter such as "30s" or "250ms".
func durationParam(desc core.SourceDescriptor, name string, def time.Duration) (time.Duration, error) {
	raw := desc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, &core.ConfigError{Source: desc.Name, Field: name, Msg: "must be a duration", Err: err}
	}
	if v < 0 {
		return 0, &core.ConfigError{Source: desc.Name, Field: name, Msg: "must not be negative"}
	}
	return v, nil
}

// boolParam parses a boolean parameter.
func boolParam(desc core.SourceDescriptor, name string, def bool) (bool, error) {
	raw := desc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, &core.ConfigError{Source: desc.Name, Field: name, Msg: "must be true or false", Err: err}
	}
	return v, nil
}

// requiredParam returns a parameter that must be set.
func requiredParam(desc core.SourceDescriptor, name string) (string, error) {
	v := strings.TrimSpace(desc.Param(name, ""))
	if v == "" {
		return "", &core.ConfigError{Source: desc.Name, Field: name, Msg: fmt.Sprintf("%s source requires %q", desc.Kind, name)}
	}
	return v, nil
}

// fail yields a single fetch error.
func fail(yield func(core.RawRecord, error) bool, err error) {
	yield(core.RawRecord{}, err)
}
