package config

import (
	"time"

	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// IAST defaults.
const (
	DefaultIASTEnabled        = true
	DefaultMapCapacity        = taint.DefaultCapacity
	DefaultFlatModeThreshold  = taint.DefaultFlatModeThreshold
	DefaultPurgeBatch         = taint.DefaultPurgeBatch
	DefaultStatisticsInterval = taint.DefaultStatisticsInterval
)

// Server defaults.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Logging defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = LogFormatJSON
)
