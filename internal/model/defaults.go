package model

import "time"

// Shared defaults used by the service, TUI and edge binaries.
const (
	DefaultUpdateInterval  = 2 * time.Second
	DefaultRequestInterval = 3 * time.Second
	DefaultRequestLifetime = 2 * time.Second
	DefaultRequestName     = "/icn2020/edge"
	DefaultLocationOffset  = -30000
	DefaultGridLevels      = 3
	DefaultSkin            = "default"
	DefaultActivityBuffer  = 200
)
