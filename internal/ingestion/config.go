package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/rpattn/urbanimport/internal/matching"
	"github.com/rpattn/urbanimport/pkg/validator"
)

var validate = playground.New(playground.WithRequiredStructEnabled())

// Config describes one import run.
type Config struct {
	Entity string `validate:"required"`
	// BatchSize bounds the rows written per transaction.
	BatchSize int `validate:"min=1,max=10000"`
	// Threshold is the name+proximity match radius (meters for SRID 4326).
	Threshold float64 `validate:"gt=0"`
	// Tolerance widens Threshold. Nil selects 1.
	Tolerance *float64 `validate:"omitempty,gte=0"`
	DryRun    bool
	Sheet     string
	HeaderRow int `validate:"gte=0"`
	// QueueSize bounds validated rows waiting for the consumer.
	QueueSize    int           `validate:"min=1"`
	BatchTimeout time.Duration `validate:"gte=0"`
	// SkipSchemaVerify turns off re-reading table definitions before every
	// batch after the first.
	SkipSchemaVerify bool
	LookupLimit      int `validate:"gte=0"`
	// Names is the name normalization; the zero value normalizes fully.
	Names     matching.NameOptions
	Validator validator.Options
}

const (
	defaultBatchSize    = 500
	defaultThreshold    = 50
	defaultTolerance    = 1
	defaultQueueSize    = 256
	defaultBatchTimeout = 30 * time.Second
	defaultLookupLimit  = 10000
)

// DefaultConfig returns the documented defaults for entity.
func DefaultConfig(entity string) Config {
	cfg := Config{Entity: entity}
	cfg.setDefaults()
	return cfg
}

// setDefaults fills every unset field, so a Config holding only Entity runs
// with the documented defaults.
func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.Tolerance == nil {
		tolerance := float64(defaultTolerance)
		c.Tolerance = &tolerance
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.LookupLimit == 0 {
		c.LookupLimit = defaultLookupLimit
	}
}

func (c Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
