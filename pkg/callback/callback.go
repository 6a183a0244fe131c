// Package callback exposes the HTTP surface the agent runtime calls back
// into: task completion, failure, heartbeat, and discovery reporting. It
// is deliberately narrow — the UI-facing REST/WebSocket API is out of
// scope — and mirrors the teacher's pkg/api handler style (gin.Context
// binding, gin.H error bodies) without the WebSocket hub.
package callback

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kivo360/omoios/ent"
	entdiscovery "github.com/kivo360/omoios/ent/discovery"
	"github.com/kivo360/omoios/pkg/discovery"
	"github.com/kivo360/omoios/pkg/queue"
)

// Server handles runtime-initiated callbacks: EVENT_PUBLISH_URL and
// TASK_COMPLETE_URL in the specification's domain-stack wiring.
type Server struct {
	client *ent.Client
	q      *queue.Queue
	disc   *discovery.Service
	log    *slog.Logger
}

// NewServer builds a callback Server.
func NewServer(client *ent.Client, q *queue.Queue, disc *discovery.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{client: client, q: q, disc: disc, log: log.With("component", "callback")}
}

// Register mounts the callback routes onto an existing gin engine.
func (s *Server) Register(r gin.IRouter) {
	r.POST("/callback/tasks/:taskID/complete", s.completeTask)
	r.POST("/callback/tasks/:taskID/fail", s.failTask)
	r.POST("/callback/tasks/:taskID/heartbeat", s.heartbeat)
	r.POST("/callback/tasks/:taskID/discoveries", s.reportDiscovery)
}

// completeTaskRequest is the body posted when an agent finishes a task.
type completeTaskRequest struct {
	Result map[string]any `json:"result"`
}

// completeTask is the authoritative completion signal per the runtime
// callback contract: q.Complete both applies the state transition and
// publishes task.completed, so this stays correct even if the sandbox's own
// event-bus publish was dropped.
func (s *Server) completeTask(c *gin.Context) {
	taskID := c.Param("taskID")

	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.q.Complete(c.Request.Context(), taskID, req.Result); err != nil {
		s.log.Error("complete task failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// failTaskRequest is the body posted when an agent reports an error it
// cannot recover from itself.
type failTaskRequest struct {
	Reason     string `json:"reason" binding:"required"`
	MaxRetries int    `json:"max_retries"`
	RetryDelay string `json:"retry_delay"`
}

func (s *Server) failTask(c *gin.Context) {
	taskID := c.Param("taskID")

	var req failTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delay := 2 * time.Second
	if req.RetryDelay != "" {
		if d, err := time.ParseDuration(req.RetryDelay); err == nil {
			delay = d
		}
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if err := s.q.Fail(c.Request.Context(), taskID, errors.New(req.Reason), maxRetries, delay); err != nil {
		s.log.Error("fail task failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

func (s *Server) heartbeat(c *gin.Context) {
	taskID := c.Param("taskID")

	_, err := s.client.Task.UpdateOneID(taskID).
		SetUpdatedAt(time.Now()).
		Save(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// reportDiscoveryRequest is the body posted when an agent surfaces new
// work mid-task (a bug found, a follow-up needed).
type reportDiscoveryRequest struct {
	ProjectID     string `json:"project_id" binding:"required"`
	TicketID      string `json:"ticket_id" binding:"required"`
	Kind          string `json:"kind" binding:"required"`
	Description   string `json:"description" binding:"required"`
	TargetPhase   string `json:"target_phase" binding:"required"`
	PriorityBoost bool   `json:"priority_boost"`
	FollowUpType  string `json:"follow_up_type"`
}

func (s *Server) reportDiscovery(c *gin.Context) {
	taskID := c.Param("taskID")

	var req reportDiscoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, spawned, err := s.disc.RecordAndBranch(c.Request.Context(), discovery.RecordAndBranchRequest{
		SourceTaskID:  taskID,
		ProjectID:     req.ProjectID,
		TicketID:      req.TicketID,
		Kind:          entdiscovery.Kind(req.Kind),
		Description:   req.Description,
		TargetPhase:   req.TargetPhase,
		PriorityBoost: req.PriorityBoost,
		FollowUpType:  req.FollowUpType,
	})
	if err != nil {
		s.log.Error("record discovery failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"discovery_id": d.ID, "spawned_task_id": spawned.ID})
}
