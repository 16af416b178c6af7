package backend

import (
	"net/url"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

type BackendConfig struct {
	port     int32
	database string
	calc     *CalcConfig
	services *ServicesConfig
}

func (c *BackendConfig) Port() int32 {
	return c.port
}

// Connection string for database.
func (c *BackendConfig) Database() string {
	return c.database
}

func (c *BackendConfig) Calc() *CalcConfig {
	return c.calc
}

func (c *BackendConfig) Services() *ServicesConfig {
	return c.services
}

// Configuration for the calculation workers.
//
// to get `CalcConfig` instance, use `BackendConfigMarshall.TrySeal()` .
type CalcConfig struct {
	workers int
	timeout time.Duration
	retry   domain.RetryPolicy
}

// How many claim/compute workers run concurrently. default = 1
func (c *CalcConfig) Workers() int {
	return c.workers
}

// Per-computation deadline. An overrun counts as a transient failure.
func (c *CalcConfig) Timeout() time.Duration {
	return c.timeout
}

func (c *CalcConfig) Retry() domain.RetryPolicy {
	return c.retry
}

// Endpoints of the external compute services.
type ServicesConfig struct {
	calculator *url.URL
	catalog    *url.URL
}

// Calculation service (itc + execution digest + workflow).
func (s *ServicesConfig) Calculator() *url.URL {
	return s.calculator
}

// Star catalog used to resolve telluric standards.
func (s *ServicesConfig) Catalog() *url.URL {
	return s.catalog
}
