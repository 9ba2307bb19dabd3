// Package federation answers queries across cooperating backend instances.
//
// # Scatter-Gather
//
// A federated query runs locally and, in parallel, against every configured
// peer instance. Peer failures degrade to empty contributions; the caller
// always gets a merged result. A request naming an instance_id is routed to
// that single instance instead.
//
// Peers are called with the X-Query-Scope: local header so they answer from
// their own data only and never fan out again.
package federation

import (
	"strings"
	"time"
)

// QueryStats carries pagination and freshness metadata of a result.
type QueryStats struct {
	ETag                            string    `json:"etag"`
	LastModified                    time.Time `json:"last_modified"`
	TotalCount                      int       `json:"total_count"`
	HighestTotalCountOfAllInstances int       `json:"highest_total_count_of_all_instances"`
}

// QueryResult is a query answer tagged with the instance that produced it.
type QueryResult[T any] struct {
	Results    T
	InstanceID string
	Stats      QueryStats
}

// Empty returns an empty result attributed to instanceID.
func Empty[T any](instanceID string) QueryResult[T] {
	return QueryResult[T]{InstanceID: instanceID}
}

// NewStats builds stats for a single instance result.
func NewStats(etag string, lastModified time.Time, total int) QueryStats {
	return QueryStats{
		ETag:                            etag,
		LastModified:                    lastModified,
		TotalCount:                      total,
		HighestTotalCountOfAllInstances: total,
	}
}

// MergeStats folds the stats of several results: ETags are concatenated,
// LastModified is the latest, TotalCount is summed and the highest total
// count is the maximum seen.
func MergeStats(stats ...QueryStats) QueryStats {
	var (
		merged QueryStats
		etag   strings.Builder
	)
	for _, s := range stats {
		etag.WriteString(s.ETag)
		if s.LastModified.After(merged.LastModified) {
			merged.LastModified = s.LastModified
		}
		merged.TotalCount += s.TotalCount
		if s.HighestTotalCountOfAllInstances > merged.HighestTotalCountOfAllInstances {
			merged.HighestTotalCountOfAllInstances = s.HighestTotalCountOfAllInstances
		}
	}
	merged.ETag = etag.String()
	return merged
}
