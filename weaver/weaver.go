package weaver

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/config"
	"github.com/kolkov/probeweaver/internal/logging"
	"github.com/kolkov/probeweaver/internal/probe/coordinator"
	"github.com/kolkov/probeweaver/internal/probe/event"
)

// Process-facing interfaces and the coordinator itself.
type (
	Coordinator    = coordinator.Coordinator
	Target         = coordinator.Target
	Dispatcher     = coordinator.Dispatcher
	Rewriter       = coordinator.Rewriter
	RewriterFunc   = coordinator.RewriterFunc
	RewriteRequest = coordinator.RewriteRequest
	RewriteResult  = coordinator.RewriteResult
	Option         = coordinator.Option
	ErrorPolicy    = coordinator.ErrorPolicy
)

// Event vocabulary.
type (
	Kind        = event.Kind
	Location    = event.Location
	Subject     = event.Subject
	ConsumerKey = event.ConsumerKey
	Request     = event.Request
)

// Failure policies.
const (
	PolicyHalt   = coordinator.PolicyHalt
	PolicyResume = coordinator.PolicyResume
	PolicyDetach = coordinator.PolicyDetach
)

// Frequently used event kinds. ParseKind accepts every kind by name.
const (
	KindVirtualMethodEnter = event.KindVirtualMethodEnter
	KindVirtualMethodExit  = event.KindVirtualMethodExit
	KindGetField           = event.KindGetField
	KindPutField           = event.KindPutField
	KindThrow              = event.KindThrow
	KindArrayElementLoad   = event.KindArrayElementLoad
	KindArrayElementStore  = event.KindArrayElementStore
)

// Option constructors.
var (
	WithLogger        = coordinator.WithLogger
	WithErrorPolicy   = coordinator.WithErrorPolicy
	WithMetrics       = coordinator.WithMetrics
	WithAutoFlush     = coordinator.WithAutoFlush
	WithOriginCapture = coordinator.WithOriginCapture
)

// NewConsumerKey returns a fresh consumer key.
func NewConsumerKey() ConsumerKey {
	return event.NewConsumerKey()
}

// ParseKind parses an event kind name such as "virtual-method-enter".
func ParseKind(s string) (Kind, error) {
	return event.ParseKind(s)
}

// New returns a coordinator configured by opts alone.
func New(target Target, dispatcher Dispatcher, rewriter Rewriter, opts ...Option) (*Coordinator, error) {
	return coordinator.New(target, dispatcher, rewriter, opts...)
}

// Open loads the configuration file at path, builds the logger it
// describes and returns a coordinator configured from it. reg may be nil
// to disable metrics. An empty path uses the defaults.
func Open(path string, target Target, dispatcher Dispatcher, rewriter Rewriter, reg prometheus.Registerer) (*Coordinator, error) {
	return open(afero.NewOsFs(), path, target, dispatcher, rewriter, reg)
}

func open(fsys afero.Fs, path string, target Target, dispatcher Dispatcher, rewriter Rewriter, reg prometheus.Registerer) (*Coordinator, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFS(fsys, path); err != nil {
			return nil, err
		}
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options(fsys, log, reg)
	if err != nil {
		return nil, fmt.Errorf("weaver: %w", err)
	}
	c, err := coordinator.New(target, dispatcher, rewriter, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("probeweaver ready",
		zap.String("version", Version),
		zap.String("config", path),
		zap.Stringer("policy", cfg.ErrorPolicy))
	return c, nil
}
