package main

import (
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

const (
	defaultServiceURL          = "ws://127.0.0.1:9696/"
	defaultRequestName         = model.DefaultRequestName
	defaultInterval            = model.DefaultRequestInterval
	defaultRequestLifetime     = model.DefaultRequestLifetime
	defaultLocationOffset      = model.DefaultLocationOffset
	defaultGridLevels          = model.DefaultGridLevels
	defaultActivityBuffer      = model.DefaultActivityBuffer
	defaultBindHost            = "127.0.0.1"
	defaultAPIPort             = 3000
	defaultQueryTimeout        = 30 * time.Second
	defaultMaxConcurrentReads  = 8
	defaultInsertBatchSize     = 500
	defaultInsertFlushInterval = 500 * time.Millisecond
	defaultInsertFlushQueue    = 64
	defaultDetectionRetention  = 30 // days, 0 = disabled
	maxGridLevels              = 6
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	ServiceURL          string        `mapstructure:"service-url"`
	RequestName         string        `mapstructure:"request-name"`
	Target              string        `mapstructure:"target"`
	Interval            time.Duration `mapstructure:"interval"`
	RequestLifetime     time.Duration `mapstructure:"request-lifetime"`
	LocationOffset      int64         `mapstructure:"location-offset"`
	GridLevels          int           `mapstructure:"grid-levels"`
	Autostart           bool          `mapstructure:"autostart"`
	ActivityBuffer      int           `mapstructure:"activity-buffer"`
	DBPath              string        `mapstructure:"db-path"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	MaxConcurrentReads  int           `mapstructure:"max-concurrent-queries"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`
	JournalEnabled      bool          `mapstructure:"journal-enabled"`
	JournalPath         string        `mapstructure:"journal-path"`
	DetectionRetention  int           `mapstructure:"detection-retention"`
	APIEnabled          bool          `mapstructure:"api-enabled"`
	APIPort             int           `mapstructure:"api-port"`
	APIAddr             string        `mapstructure:"api-addr"`
	SocketPath          string        `mapstructure:"socket-path"`
	RenderText          bool          `mapstructure:"render-text"`
	ConfigPath          string        `mapstructure:"-"` // not from config file
}
