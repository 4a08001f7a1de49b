package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kolkov/probeweaver/internal/probe/snapshot"
)

// Defaults applied by New.
const (
	DefaultClassCacheSize   = 256
	DefaultFetchConcurrency = 4
	DefaultFetchRetries     = 3
	DefaultFetchBackoff     = 50 * time.Millisecond
	DefaultCycleRate        = rate.Limit(20)
	DefaultCycleBurst       = 4

	tracerName = "github.com/kolkov/probeweaver/coordinator"
)

type options struct {
	log      *zap.Logger
	loader   string
	policy   ErrorPolicy
	store    *snapshot.Store
	registry prometheus.Registerer
	tracer   trace.Tracer

	namespace        string
	cacheSize        int
	fetchConcurrency int
	fetchRetries     uint64
	fetchBackoff     time.Duration

	autoFlush  bool
	cycleRate  rate.Limit
	cycleBurst int

	captureOrigin bool

	dumpFS  afero.Fs
	dumpDir string
}

func defaultOptions() options {
	return options{
		log:              zap.NewNop(),
		policy:           PolicyHalt,
		tracer:           otel.Tracer(tracerName),
		namespace:        "probeweaver",
		cacheSize:        DefaultClassCacheSize,
		fetchConcurrency: DefaultFetchConcurrency,
		fetchRetries:     DefaultFetchRetries,
		fetchBackoff:     DefaultFetchBackoff,
		cycleRate:        DefaultCycleRate,
		cycleBurst:       DefaultCycleBurst,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger sets the logger. The coordinator logs under the name
// "coordinator".
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClassLoader sets the class loader dirty classes are resolved in.
func WithClassLoader(name string) Option {
	return func(o *options) { o.loader = name }
}

// WithErrorPolicy sets the policy applied to failed cycles. The default is
// PolicyHalt.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithStore enables SaveState, LoadState and persistent class logs.
func WithStore(s *snapshot.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics registers the coordinator's collectors on reg under
// namespace.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registry = reg
		if namespace != "" {
			o.namespace = namespace
		}
	}
}

// WithTracerProvider sets the provider of cycle spans. The default is the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClassCache sets how many class bodies are kept between cycles.
func WithClassCache(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.cacheSize = size
		}
	}
}

// WithFetch sets how many classes are fetched in parallel and how often a
// failed fetch is retried, starting after initial and backing off
// exponentially.
func WithFetch(concurrency int, retries uint64, initial time.Duration) Option {
	return func(o *options) {
		if concurrency > 0 {
			o.fetchConcurrency = concurrency
		}
		o.fetchRetries = retries
		if initial > 0 {
			o.fetchBackoff = initial
		}
	}
}

// WithAutoFlush makes asynchronous enable and disable calls start a cycle
// themselves, at most r cycles per second with the given burst. Without it
// asynchronous changes wait for Update.
func WithAutoFlush(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.autoFlush = true
		if r > 0 {
			o.cycleRate = r
		}
		if burst > 0 {
			o.cycleBurst = burst
		}
	}
}

// WithOriginCapture records the stack of every caller that starts a cycle
// and logs it when the cycle fails. Capturing costs a stack walk per call.
func WithOriginCapture(on bool) Option {
	return func(o *options) { o.captureOrigin = on }
}

// WithClassDump writes every modified class body to dir on fs, numbered in
// redefinition order.
func WithClassDump(fs afero.Fs, dir string) Option {
	return func(o *options) { o.dumpFS, o.dumpDir = fs, dir }
}
