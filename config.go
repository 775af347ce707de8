package jsbridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Recognized option names.
const (
	OptionExposeNativeSyntax     = "expose-native-syntax"
	OptionExposeGC               = "expose-gc"
	OptionExposeInspectorScripts = "expose-inspector-scripts"
	OptionMaxHeapSizeMB          = "max-heap-size-mb"
	OptionMaxOldSpaceSizeMB      = "max-old-space-size-mb"
	OptionStrictMode             = "strict-mode"
	OptionTrackRetainingPath     = "track-retaining-path"
	OptionExecutionTimeoutMS     = "execution-timeout-ms"
	OptionMaxCallDepth           = "max-call-depth"
	OptionRejectConcurrentAccess = "reject-concurrent-access"
)

// DefaultMaxCallDepth bounds host/script nesting unless configured otherwise.
const DefaultMaxCallDepth = 512

// Options is a snapshot of every recognized option.
type Options struct {
	ExposeNativeSyntax     bool `yaml:"expose-native-syntax"`
	ExposeGC               bool `yaml:"expose-gc"`
	ExposeInspectorScripts bool `yaml:"expose-inspector-scripts"`
	MaxHeapSizeMB          int  `yaml:"max-heap-size-mb" validate:"gte=0"`
	MaxOldSpaceSizeMB      int  `yaml:"max-old-space-size-mb" validate:"gte=0"`
	StrictMode             bool `yaml:"strict-mode"`
	TrackRetainingPath     bool `yaml:"track-retaining-path"`
	ExecutionTimeoutMS     int  `yaml:"execution-timeout-ms" validate:"gte=0"`
	MaxCallDepth           int  `yaml:"max-call-depth" validate:"gte=0"`
	RejectConcurrentAccess bool `yaml:"reject-concurrent-access"`
}

type optionSpec struct {
	isInt bool
	ptrB  func(*Options) *bool
	ptrI  func(*Options) *int
}

var optionSpecs = map[string]optionSpec{
	OptionExposeNativeSyntax:     {ptrB: func(o *Options) *bool { return &o.ExposeNativeSyntax }},
	OptionExposeGC:               {ptrB: func(o *Options) *bool { return &o.ExposeGC }},
	OptionExposeInspectorScripts: {ptrB: func(o *Options) *bool { return &o.ExposeInspectorScripts }},
	OptionMaxHeapSizeMB:          {isInt: true, ptrI: func(o *Options) *int { return &o.MaxHeapSizeMB }},
	OptionMaxOldSpaceSizeMB:      {isInt: true, ptrI: func(o *Options) *int { return &o.MaxOldSpaceSizeMB }},
	OptionStrictMode:             {ptrB: func(o *Options) *bool { return &o.StrictMode }},
	OptionTrackRetainingPath:     {ptrB: func(o *Options) *bool { return &o.TrackRetainingPath }},
	OptionExecutionTimeoutMS:     {isInt: true, ptrI: func(o *Options) *int { return &o.ExecutionTimeoutMS }},
	OptionMaxCallDepth:           {isInt: true, ptrI: func(o *Options) *int { return &o.MaxCallDepth }},
	OptionRejectConcurrentAccess: {ptrB: func(o *Options) *bool { return &o.RejectConcurrentAccess }},
}

// validate is a package-level singleton; building a validator is expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		o := sl.Current().Interface().(Options)
		if o.MaxHeapSizeMB > 0 && o.MaxOldSpaceSizeMB > o.MaxHeapSizeMB {
			sl.ReportError(o.MaxOldSpaceSizeMB, "MaxOldSpaceSizeMB", "MaxOldSpaceSizeMB", "ltefield", "MaxHeapSizeMB")
		}
	}, Options{})
	return v
}

// Config holds engine startup options. It is mutable until the first
// runtime created from it seals it; from then on it is read-only for every
// holder.
type Config struct {
	mu     sync.RWMutex
	opts   Options
	sealed atomic.Bool
}

// NewConfig returns an unsealed configuration with default values.
func NewConfig() *Config {
	return &Config{opts: Options{MaxCallDepth: DefaultMaxCallDepth}}
}

var (
	defaultConfig     *Config
	defaultConfigOnce sync.Once
)

// DefaultConfig returns the process-wide configuration used when a runtime
// is created with a nil config.
func DefaultConfig() *Config {
	defaultConfigOnce.Do(func() {
		defaultConfig = NewConfig()
	})
	return defaultConfig
}

// Set stores an option value. Bool options take a bool, numeric options
// take any Go integer type.
func (c *Config) Set(name string, value any) error {
	spec, ok := optionSpecs[name]
	if !ok {
		return newError(KindInvalidConfiguration, "set", fmt.Sprintf("unknown option %q", name))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed.Load() {
		return newError(KindSealedConfiguration, "set", fmt.Sprintf("option %q", name))
	}

	if !spec.isInt {
		b, ok := value.(bool)
		if !ok {
			return newError(KindInvalidConfiguration, "set", fmt.Sprintf("option %q wants bool, got %T", name, value))
		}
		*spec.ptrB(&c.opts) = b
		return nil
	}

	n, ok := toInt(value)
	if !ok {
		return newError(KindInvalidConfiguration, "set", fmt.Sprintf("option %q wants integer, got %T", name, value))
	}
	*spec.ptrI(&c.opts) = n
	return nil
}

func toInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}

// Get returns an option value, or false when the name is unknown.
func (c *Config) Get(name string) (any, bool) {
	spec, ok := optionSpecs[name]
	if !ok {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec.isInt {
		return *spec.ptrI(&c.opts), true
	}
	return *spec.ptrB(&c.opts), true
}

// Bool returns a bool option; unknown or numeric options read as false.
func (c *Config) Bool(name string) bool {
	v, _ := c.Get(name)
	b, _ := v.(bool)
	return b
}

// Int returns a numeric option; unknown or bool options read as 0.
func (c *Config) Int(name string) int {
	v, _ := c.Get(name)
	n, _ := v.(int)
	return n
}

// Options returns a copy of all option values.
func (c *Config) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// OptionNames lists the recognized option names in sorted order.
func OptionNames() []string {
	names := make([]string, 0, len(optionSpecs))
	for name := range optionSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal makes the configuration read-only. It is idempotent.
func (c *Config) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed.CompareAndSwap(false, true) {
		Logger().Debug("configuration sealed")
	}
}

// Sealed reports whether the configuration is read-only.
func (c *Config) Sealed() bool {
	return c.sealed.Load()
}

// Validate checks the options against engine constraints.
func (c *Config) Validate() error {
	return validateOptions(c.Options())
}

func validateOptions(opts Options) error {
	if err := validate.Struct(opts); err != nil {
		return &Error{Kind: KindInvalidConfiguration, Op: "validate", Cause: err}
	}
	return nil
}

// sealForRuntime validates and seals under one lock, so no Set can slip in
// between and seal options that were never validated. A sealed config was
// validated when it was sealed.
func (c *Config) sealForRuntime() (Options, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed.Load() {
		return c.opts, nil
	}
	if err := validateOptions(c.opts); err != nil {
		return Options{}, err
	}
	c.sealed.Store(true)
	Logger().Debug("configuration sealed")
	return c.opts, nil
}

// ParseConfig reads YAML option values into a new unsealed configuration.
// Keys are the option names; an unknown key is an error.
func ParseConfig(data []byte) (*Config, error) {
	c := NewConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c.opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Kind: KindInvalidConfiguration, Op: "parse", Cause: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		Logger().Debug("config rejected", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return c, nil
}

func (o Options) engineOptions() core.EngineOptions {
	return core.EngineOptions{
		MemoryLimitMB:      o.MaxHeapSizeMB,
		OldSpaceLimitMB:    o.MaxOldSpaceSizeMB,
		ExposeGC:           o.ExposeGC,
		ExposeNativeSyntax: o.ExposeNativeSyntax,
		ExposeInspector:    o.ExposeInspectorScripts,
		TrackRetainingPath: o.TrackRetainingPath,
	}
}
