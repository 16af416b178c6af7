package backend

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/backend.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type BackendConfigMarshall struct {
	Port     int32                   `yaml:"port"`
	Database string                  `yaml:"database"`
	Calc     *CalcConfigMarshall     `yaml:"calc"`
	Services *ServicesConfigMarshall `yaml:"services"`
}

var _ Marshalled[*BackendConfig] = &BackendConfigMarshall{}

func (b *BackendConfigMarshall) trySeal(path string) *BackendConfig {
	return &BackendConfig{
		port:     required(b.Port, path+".port"),
		database: required(b.Database, path+".database"),
		calc:     nonnil(b.Calc, path+".calc").trySeal(path + ".calc"),
		services: nonnil(b.Services, path+".services").trySeal(path + ".services"),
	}
}

type CalcConfigMarshall struct {
	Workers int                  `yaml:"workers,omitempty"`
	Timeout string               `yaml:"timeout"`
	Retry   *RetryConfigMarshall `yaml:"retry"`
}

func (c *CalcConfigMarshall) trySeal(path string) *CalcConfig {
	workers := c.Workers
	if workers == 0 {
		workers = 1
	}
	if workers < 0 {
		panic(fmt.Sprintf("%s.workers should be positive: %d", path, workers))
	}

	return &CalcConfig{
		workers: workers,
		timeout: duration(required(c.Timeout, path+".timeout"), path+".timeout"),
		retry:   nonnil(c.Retry, path+".retry").trySeal(path + ".retry"),
	}
}

type RetryConfigMarshall struct {
	MaxFailures     int     `yaml:"maxFailures"`
	InitialInterval string  `yaml:"initialInterval"`
	Factor          float64 `yaml:"factor,omitempty"`
	MaxInterval     string  `yaml:"maxInterval"`
}

func (r *RetryConfigMarshall) trySeal(path string) domain.RetryPolicy {
	factor := r.Factor
	if factor == 0 {
		factor = 2.0
	}
	if factor < 1 {
		panic(fmt.Sprintf("%s.factor should be >= 1: %f", path, factor))
	}

	return domain.RetryPolicy{
		MaxFailures:     required(r.MaxFailures, path+".maxFailures"),
		InitialInterval: duration(required(r.InitialInterval, path+".initialInterval"), path+".initialInterval"),
		Factor:          factor,
		MaxInterval:     duration(required(r.MaxInterval, path+".maxInterval"), path+".maxInterval"),
	}
}

type ServicesConfigMarshall struct {
	Calculator string `yaml:"calculator"`
	Catalog    string `yaml:"catalog"`
}

func (s *ServicesConfigMarshall) trySeal(path string) *ServicesConfig {
	return &ServicesConfig{
		calculator: endpoint(required(s.Calculator, path+".calculator"), path+".calculator"),
		catalog:    endpoint(required(s.Catalog, path+".catalog"), path+".catalog"),
	}
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func duration(v string, path string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d <= 0 {
		panic(path + " should be positive")
	}
	return d
}

func endpoint(v string, path string) *url.URL {
	u, err := url.Parse(v)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if u.Scheme == "" || u.Host == "" {
		panic(path + " should be an absolute URL")
	}
	return u
}
