package audit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Event is one recorded mutation of a directory resource.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status"`
}

// Recorder keeps a bounded in-memory trail of mutations and mirrors each
// event to the structured log. The log is the durable record; the buffer
// serves live inspection.
type Recorder struct {
	logger *zap.Logger

	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewRecorder creates a Recorder retaining the most recent `size` events.
func NewRecorder(logger *zap.Logger, size int) *Recorder {
	if size <= 0 {
		size = 1000
	}
	return &Recorder{
		logger: logger,
		events: make([]Event, size),
	}
}

// Record appends an event to the trail.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.logger.Info("Audit event",
		zap.String("action", ev.Action),
		zap.String("resourceType", ev.ResourceType),
		zap.String("resourceId", ev.ResourceID),
		zap.String("actor", ev.Actor),
		zap.String("ip", ev.IPAddress),
		zap.String("outcome", ev.Outcome),
		zap.Int("status", ev.Status))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
}

// Recent returns up to n events, newest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.next
	if r.full {
		total = len(r.events)
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.events)
		}
		out = append(out, r.events[idx])
	}
	return out
}

// Middleware records every mutating request under the SCIM prefix. Reads are
// not audited.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case "POST", "PUT", "PATCH", "DELETE":
		default:
			c.Next()
			return
		}

		c.Next()

		resourceType, resourceID := splitResourcePath(c.Request.URL.Path)
		if resourceType == "" {
			return
		}

		status := c.Writer.Status()
		outcome := "success"
		if status >= 400 {
			outcome = "failure"
		}
		actor, _ := c.Get("auth.subject")
		actorName, _ := actor.(string)

		r.Record(Event{
			Actor:        actorName,
			Action:       c.Request.Method,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			Outcome:      outcome,
			Status:       status,
		})
	}
}

// RegisterRoutes exposes the in-memory trail for operators.
func (r *Recorder) RegisterRoutes(router gin.IRouter) {
	router.GET("/audit", func(c *gin.Context) {
		n, _ := strconv.Atoi(c.Query("count"))
		c.JSON(200, gin.H{"events": r.Recent(n)})
	})
}

// splitResourcePath extracts the resource type and id from a request path
// like "/scim/v2/Users/<id>".
func splitResourcePath(path string) (resourceType, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		switch p {
		case "Users", "Groups", "Bulk":
			resourceType = p
			if i+1 < len(parts) {
				resourceID = parts[i+1]
			}
			return resourceType, resourceID
		}
	}
	return "", ""
}
