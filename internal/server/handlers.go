package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/novamind/recall/internal/knowledge"
)

type handler struct {
	deps Deps
}

// consolidate triggers a run and returns the report. A run already in
// flight surfaces as a report carrying the busy error, not a failure.
func (h *handler) consolidate(c echo.Context) error {
	if h.deps.Trigger == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "consolidation not configured")
	}
	report := h.deps.Trigger.RunImmediate(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}

type storeLearningRequest struct {
	Content    string                 `json:"content"`
	Phase      string                 `json:"phase"`
	Category   string                 `json:"category"`
	Tags       []string               `json:"tags"`
	Scope      string                 `json:"scope"`
	ProjectID  string                 `json:"project_id"`
	AgentType  string                 `json:"agent_type"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (h *handler) storeLearning(c echo.Context) error {
	if h.deps.Warm == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "warm store not configured")
	}
	var req storeLearningRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	l := knowledge.Learning{
		Content:    req.Content,
		Phase:      knowledge.Phase(req.Phase),
		Category:   req.Category,
		Tags:       req.Tags,
		Scope:      knowledge.Scope(req.Scope),
		ProjectID:  req.ProjectID,
		AgentType:  req.AgentType,
		Confidence: req.Confidence,
		Metadata:   req.Metadata,
	}
	id, err := h.deps.Warm.Upsert(c.Request().Context(), l)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id})
}

func (h *handler) searchLearnings(c echo.Context) error {
	if h.deps.Warm == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "warm store not configured")
	}
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing query parameter q")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	threshold := 0.0
	if raw := c.QueryParam("threshold"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid threshold")
		}
		threshold = f
	}
	filter := knowledge.Filter{
		Category:  c.QueryParam("category"),
		Scope:     knowledge.Scope(c.QueryParam("scope")),
		ProjectID: c.QueryParam("project_id"),
		AgentType: c.QueryParam("agent_type"),
	}
	hits, err := h.deps.Warm.Search(c.Request().Context(), query, limit, threshold, filter)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []knowledge.SearchHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": hits})
}

type appendTraceRequest struct {
	TaskID string                 `json:"task_id"`
	Phase  string                 `json:"phase"`
	Data   map[string]interface{} `json:"data"`
}

func (h *handler) appendTrace(c echo.Context) error {
	if h.deps.Hot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace buffer not configured")
	}
	var req appendTraceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := h.deps.Hot.Append(c.Request().Context(), req.TaskID, knowledge.Phase(req.Phase), req.Data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) listTraces(c echo.Context) error {
	if h.deps.Hot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace buffer not configured")
	}
	traces, err := h.deps.Hot.Traces(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if traces == nil {
		traces = []knowledge.TaskTrace{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"traces": traces})
}

type routeRequest struct {
	TaskType string                 `json:"task_type"`
	Payload  map[string]interface{} `json:"payload"`
	Subtasks []string               `json:"subtasks"`
}

func (h *handler) route(c echo.Context) error {
	if h.deps.Router == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "router not configured")
	}
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.TaskType == "" && len(req.Subtasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "task_type or subtasks required")
	}
	var decision interface{}
	if len(req.Subtasks) > 0 {
		decision = h.deps.Router.RouteAll(c.Request().Context(), req.TaskType, req.Subtasks)
	} else {
		decision = h.deps.Router.Route(c.Request().Context(), req.TaskType, req.Payload)
	}
	return c.JSON(http.StatusOK, decision)
}
