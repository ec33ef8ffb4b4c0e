// Package archive declares where final job histories go when a tracker
// is unregistered. The registry serializes the closing snapshot and step
// history to JSON and hands it to an Archiver; the returned URI is the
// job's permanent record.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Archiver persists one immutable artifact and returns its URI.
type Archiver interface {
	Put(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// HistoryPath names the archive object for a job's final history.
func HistoryPath(analysisID string, at time.Time) string {
	return fmt.Sprintf("analyses/%s/history-%s.json", analysisID, at.UTC().Format("20060102T150405Z"))
}
