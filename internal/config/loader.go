package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rpattn/urbanimport/internal/db"
	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/matching"
	"github.com/rpattn/urbanimport/internal/schema"
)

// EnvPrefix prefixes environment overrides: URBANIMPORT_DATABASE_HOST, ...
const EnvPrefix = "URBANIMPORT"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete tool configuration.
type Config struct {
	Database db.Config      `mapstructure:"database"`
	Import   ImportConfig   `mapstructure:"import"`
	Entities []EntityConfig `mapstructure:"entities" validate:"dive"`
	// Source records where the configuration came from, for logging.
	Source string `mapstructure:"-"`
}

// ImportConfig holds run defaults; CLI flags override them.
type ImportConfig struct {
	Entity                     string               `mapstructure:"entity"`
	BatchSize                  int                  `mapstructure:"batch_size" validate:"min=1,max=10000"`
	AmbiguityDistanceThreshold float64              `mapstructure:"ambiguity_distance_threshold" validate:"gt=0"`
	CoordinateTolerance        float64              `mapstructure:"coordinate_tolerance" validate:"gte=0"`
	QueueSize                  int                  `mapstructure:"queue_size" validate:"min=1"`
	BatchTimeout               time.Duration        `mapstructure:"batch_timeout" validate:"gte=0"`
	QueryTimeout               time.Duration        `mapstructure:"query_timeout" validate:"gte=0"`
	VerifySchema               bool                 `mapstructure:"verify_schema"`
	LookupLimit                int                  `mapstructure:"lookup_limit" validate:"min=1"`
	IssueTable                 string               `mapstructure:"issue_table"`
	DryRun                     bool                 `mapstructure:"dry_run"`
	Sheet                      string               `mapstructure:"sheet"`
	HeaderRow                  int                  `mapstructure:"header_row" validate:"gte=0"`
	Latitude                   string               `mapstructure:"latitude"`
	Longitude                  string               `mapstructure:"longitude"`
	TrueWords                  []string             `mapstructure:"true_words"`
	FalseWords                 []string             `mapstructure:"false_words"`
	Envelope                   []float64            `mapstructure:"envelope" validate:"omitempty,len=4"`
	Names                      matching.NameOptions `mapstructure:"names"`
}

// EntityConfig maps a logical entity type onto a table.
type EntityConfig struct {
	Name   string            `mapstructure:"name" validate:"required"`
	Schema string            `mapstructure:"schema"`
	Table  string            `mapstructure:"table" validate:"required"`
	Roles  RolesConfig       `mapstructure:"roles"`
	Labels map[string]string `mapstructure:"labels"`
	// Columns maps sheet headers to column names.
	Columns map[string]string `mapstructure:"columns"`
	// Defaults fills blank or absent cells by column name.
	Defaults map[string]string `mapstructure:"defaults"`
	// Properties maps keys of the properties role column to sheet headers.
	Properties map[string]string `mapstructure:"properties"`
}

// RolesConfig names the role columns of a table.
type RolesConfig struct {
	Code       string `mapstructure:"code"`
	Name       string `mapstructure:"name"`
	Category   string `mapstructure:"category"`
	Geometry   string `mapstructure:"geometry"`
	UpdatedAt  string `mapstructure:"updated_at"`
	Properties string `mapstructure:"properties"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Import: ImportConfig{
			BatchSize:                  500,
			AmbiguityDistanceThreshold: 50,
			CoordinateTolerance:        1,
			QueueSize:                  256,
			BatchTimeout:               30 * time.Second,
			QueryTimeout:               10 * time.Second,
			VerifySchema:               true,
			LookupLimit:                10000,
			Latitude:                   "lat",
			Longitude:                  "lon",
			Names:                      matching.DefaultNameOptions(),
		},
		Entities: []EntityConfig{{
			Name:  "urban_object",
			Table: "urban_objects",
			Roles: RolesConfig{Code: "code", Name: "name", Category: "category_id", Geometry: "geom", UpdatedAt: "updated_at", Properties: "properties"},
			Labels: map[string]string{
				"category_id": "label",
			},
		}},
	}
}

// Load reads config.yaml from configPath (when present), applies
// URBANIMPORT_* environment overrides and validates the result.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // allow environment overrides

	// AutomaticEnv only resolves keys viper already knows about
	for _, key := range []string{
		"database.host", "database.port", "database.user", "database.password",
		"database.dbname", "database.sslmode", "database.max_conns", "database.statement_timeout",
		"import.entity", "import.batch_size", "import.ambiguity_distance_threshold",
		"import.coordinate_tolerance", "import.dry_run", "import.issue_table", "import.verify_schema",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		cfg.Source = "defaults"
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	// Configured entities replace the built-in example instead of merging into it
	if v.IsSet("entities") {
		cfg.Entities = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and entity name uniqueness.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			problems := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		key := strings.ToLower(e.Name)
		if seen[key] {
			return fmt.Errorf("invalid configuration: entity %q declared twice", e.Name)
		}
		seen[key] = true
	}
	return nil
}

// Definitions converts the entity list for the schema catalog.
func (c Config) Definitions() []schema.EntityDefinition {
	defs := make([]schema.EntityDefinition, 0, len(c.Entities))
	for _, e := range c.Entities {
		defs = append(defs, schema.EntityDefinition{
			Name:   e.Name,
			Schema: e.Schema,
			Table:  e.Table,
			Roles: domain.Roles{
				Code:       e.Roles.Code,
				Name:       e.Roles.Name,
				Category:   e.Roles.Category,
				Geometry:   e.Roles.Geometry,
				UpdatedAt:  e.Roles.UpdatedAt,
				Properties: e.Roles.Properties,
			},
			Labels: e.Labels,
		})
	}
	return defs
}

// Entity returns the configuration of the named entity type.
func (c Config) Entity(name string) (EntityConfig, bool) {
	for _, e := range c.Entities {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return EntityConfig{}, false
}
