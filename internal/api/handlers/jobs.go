package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paperoo/spool/internal/core"
)

// DefaultPriority is used when a submission omits the priority.
const DefaultPriority = 3

// JobQueue is the part of the queue facade the job routes need.
type JobQueue interface {
	Submit(text string, priority int, language string) (core.Job, error)
	GetStatus(id int64) (core.Job, error)
	ListPending() []core.Job
	ListFailed() []core.Job
	List(state core.JobState) []core.Job
	Stats() core.Stats
	RetryAllFailed() int
	Cancel(id int64) error
	ClearQueue() int
}

type PrintRequest struct {
	Text     string `json:"text" binding:"required"`
	Priority *int   `json:"priority"`
	Language string `json:"language"`
}

type PrintResponse struct {
	ID       int64         `json:"id"`
	State    core.JobState `json:"state"`
	Priority int           `json:"priority"`
	Language core.Language `json:"language"`
}

type JobHandler struct {
	queue JobQueue
}

func NewJobHandler(queue JobQueue) *JobHandler {
	return &JobHandler{queue: queue}
}

func (h *JobHandler) Print(c *gin.Context) {
	var req PrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	job, err := h.queue.Submit(req.Text, priority, req.Language)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, PrintResponse{
		ID:       job.ID,
		State:    job.State,
		Priority: job.Priority,
		Language: job.Language,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.queue.GetStatus(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs lists jobs in one state, or all of them when no state is given.
func (h *JobHandler) ListJobs(c *gin.Context) {
	state := core.JobState(c.Query("state"))
	switch state {
	case "", core.StatePending, core.StatePrinting, core.StatePrinted, core.StateFailed, core.StateAbandoned:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state filter"})
		return
	}

	jobs := h.queue.List(state)
	c.JSON(http.StatusOK, gin.H{"jobs": nonNil(jobs), "count": len(jobs)})
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.queue.Cancel(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

func (h *JobHandler) ListPending(c *gin.Context) {
	jobs := h.queue.ListPending()
	c.JSON(http.StatusOK, gin.H{"jobs": nonNil(jobs), "count": len(jobs)})
}

func (h *JobHandler) ListFailed(c *gin.Context) {
	jobs := h.queue.ListFailed()
	c.JSON(http.StatusOK, gin.H{"jobs": nonNil(jobs), "count": len(jobs)})
}

func (h *JobHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func (h *JobHandler) RetryFailed(c *gin.Context) {
	n := h.queue.RetryAllFailed()
	c.JSON(http.StatusOK, gin.H{"message": "failed jobs requeued", "count": n})
}

func (h *JobHandler) ClearQueue(c *gin.Context) {
	n := h.queue.ClearQueue()
	c.JSON(http.StatusOK, gin.H{"message": "queue cleared", "count": n})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/print", h.Print)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.CancelJob)
	r.GET("/queue/pending", h.ListPending)
	r.GET("/queue/failed", h.ListFailed)
	r.GET("/queue/status", h.QueueStatus)
	r.POST("/queue/retry", h.RetryFailed)
	r.POST("/queue/clear", h.ClearQueue)
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

// writeError maps queue errors onto status codes.
func writeError(c *gin.Context, err error) {
	var verr *core.ValidationError
	var terr *core.InvalidTransitionError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": verr.Field})
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": terr.From})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func nonNil(jobs []core.Job) []core.Job {
	if jobs == nil {
		return []core.Job{}
	}
	return jobs
}
