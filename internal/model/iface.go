package model

import "time"

// DetectionQuerier provides read-only queries on stored detections.
type DetectionQuerier interface {
	TotalDetections(target string) (int64, error)
	RecentDetections(limit int, target string) ([]DetectionRecord, error)
	TargetSummaries() ([]TargetSummary, error)
	FoundCells(target string, since time.Time) ([]Coord, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// DetectionWriter provides append-oriented writes for parsed detections.
type DetectionWriter interface {
	InsertDetectionBatch(records []*DetectionRecord) error
}

// DetectionSink receives every record the request cycle accepted.
// The cycle calls Add from its own hand-off goroutine; Add should still
// return promptly so queued records keep moving.
type DetectionSink interface {
	Add(record *DetectionRecord)
}

// GridReader exposes the live grid.
type GridReader interface {
	Snapshot() GridSnapshot
}

// CycleControl is the operator surface of the request cycle: register a
// target, start and stop polling.
type CycleControl interface {
	SetTarget(target string) error
	Start(target string, interval time.Duration) error
	Stop()
	Status() CycleStatus
	Activity(limit int) []ActivityEntry
}

// ReadAPI is the unified read contract for read surfaces (HTTP and socket RPC).
type ReadAPI interface {
	DetectionQuerier
	SchemaQuerier
}

// GridControl adds the operator reset to GridReader.
type GridControl interface {
	GridReader
	Reset()
}
