package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/store"
	"github.com/pilot-net/svcmon/pkg/types"
)

// =============================================================================
// MESSAGES
// =============================================================================

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := parseMessageQuery(r)
	c := federation.NewCoordinator("messages", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.MessagesView], error) {
			return s.svc.Messages(ctx, q)
		},
		federation.SortedConcat(messageLess(q.Sort, q.Direction)),
		s.logger,
	)
	serveFederated(s, w, r, c)
}

func (s *Server) handleEndpointMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := parseMessageQuery(r)
	c := federation.NewCoordinator("endpoint_messages", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.MessagesView], error) {
			return s.svc.MessagesForEndpoint(ctx, name, q)
		},
		federation.SortedConcat(messageLess(q.Sort, q.Direction)),
		s.logger,
	)
	serveFederated(s, w, r, c)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	status := types.FailedMessageStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	q := store.FailedMessageQuery{Paging: parsePaging(r), Status: status}
	c := federation.NewCoordinator("errors", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.FailedMessageView], error) {
			return s.svc.Errors(ctx, q)
		},
		federation.SortedConcat(failedLess(q.Sort, q.Direction)),
		s.logger,
	)
	serveFederated(s, w, r, c)
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	p := parsePaging(r)
	c := federation.NewCoordinator("event_log", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.EventLogItem], error) {
			return s.svc.EventLog(ctx, p)
		},
		federation.SortedConcat(func(a, b types.EventLogItem) bool {
			return a.RaisedAt.After(b.RaisedAt)
		}),
		s.logger,
	)
	serveFederated(s, w, r, c)
}

// =============================================================================
// PARAMETERS
// =============================================================================

// parsePaging reads page, per_page, sort and direction. Unparseable
// numbers fall back to the defaults applied by the store.
func parsePaging(r *http.Request) store.Paging {
	query := r.URL.Query()
	p := store.Paging{
		Sort:      strings.ToLower(query.Get("sort")),
		Direction: strings.ToLower(query.Get("direction")),
	}
	if v, err := strconv.Atoi(query.Get("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(query.Get("per_page")); err == nil {
		p.PerPage = v
	}
	return p
}

func parseMessageQuery(r *http.Request) store.MessageQuery {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_system_messages"))
	return store.MessageQuery{
		Paging:                parsePaging(r),
		IncludeSystemMessages: include,
	}
}

// messageLess orders merged message pages the way each instance ordered
// its own page.
func messageLess(sort, direction string) func(a, b types.MessagesView) bool {
	var key func(a, b types.MessagesView) int
	switch sort {
	case "id":
		key = func(a, b types.MessagesView) int { return strings.Compare(a.ID, b.ID) }
	case "message_id":
		key = func(a, b types.MessagesView) int { return strings.Compare(a.MessageID, b.MessageID) }
	case "message_type":
		key = func(a, b types.MessagesView) int { return strings.Compare(a.MessageType, b.MessageType) }
	case "processed_at":
		key = func(a, b types.MessagesView) int { return a.ProcessedAt.Compare(b.ProcessedAt) }
	case "critical_time":
		key = func(a, b types.MessagesView) int { return compareDuration(a.CriticalTime, b.CriticalTime) }
	case "processing_time":
		key = func(a, b types.MessagesView) int { return compareDuration(a.ProcessingTime, b.ProcessingTime) }
	default:
		key = func(a, b types.MessagesView) int { return compareTimePtr(a.TimeSent, b.TimeSent) }
	}
	return ordered(key, direction)
}

func failedLess(sort, direction string) func(a, b types.FailedMessageView) bool {
	var key func(a, b types.FailedMessageView) int
	switch sort {
	case "id":
		key = func(a, b types.FailedMessageView) int { return strings.Compare(a.ID, b.ID) }
	case "message_id":
		key = func(a, b types.FailedMessageView) int { return strings.Compare(a.MessageID, b.MessageID) }
	case "message_type":
		key = func(a, b types.FailedMessageView) int { return strings.Compare(a.MessageType, b.MessageType) }
	case "modified":
		key = func(a, b types.FailedMessageView) int { return a.LastModified.Compare(b.LastModified) }
	case "status":
		key = func(a, b types.FailedMessageView) int { return strings.Compare(a.Status, b.Status) }
	default:
		key = func(a, b types.FailedMessageView) int { return a.TimeOfFailure.Compare(b.TimeOfFailure) }
	}
	return ordered(key, direction)
}

// ordered turns a three-way comparison into a less function. Anything but
// "asc" sorts descending, matching the store's default.
func ordered[E any](cmp func(a, b E) int, direction string) func(a, b E) bool {
	if direction == "asc" {
		return func(a, b E) bool { return cmp(a, b) < 0 }
	}
	return func(a, b E) bool { return cmp(a, b) > 0 }
}

func compareDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareTimePtr sorts missing times last in ascending order.
func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
