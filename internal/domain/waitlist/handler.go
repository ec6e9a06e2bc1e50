package waitlist

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
	"github.com/mercadodasophia-design/eprontu-sub000/pkg/pagination"
)

// IdempotencyKeyHeader carries the client's create token.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	wl := api.Group("/waitlist")

	// Read endpoints – every waitlist role
	read := wl.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleRequester, auth.RoleRegulator))
	read.GET("", h.List)
	read.GET("/next", h.SuggestNext)
	read.GET("/reports/:kind", h.Report)
	read.GET("/:id", h.Get)
	read.GET("/:id/history", h.History)
	read.GET("/:id/history/verify", h.VerifyHistory)

	// Request endpoints – requesting staff and regulators
	request := wl.Group("", auth.RequireRole(auth.RoleRequester, auth.RoleRegulator))
	request.POST("", h.Create)
	request.PATCH("/:id", h.Update)
	request.POST("/:id/movements", h.AppendMovement)

	// Regulation endpoints – regulators only
	regulate := wl.Group("", auth.RequireRole(auth.RoleRegulator))
	regulate.POST("/recompute", h.RecomputeAll)
	regulate.POST("/:id/regulate", h.Regulate)
	regulate.POST("/:id/reclassify", h.Reclassify)
	regulate.POST("/:id/cancel", h.Cancel)
	regulate.POST("/:id/reorder", h.Reorder)
	regulate.POST("/:id/move-to-front", h.MoveToFront)

	// Queue definitions
	queues := api.Group("/queues")
	queues.GET("", h.ListQueues, auth.RequireRole(auth.RoleViewer, auth.RoleRequester, auth.RoleRegulator))
	queues.GET("/:id", h.GetQueue, auth.RequireRole(auth.RoleViewer, auth.RoleRequester, auth.RoleRegulator))
	queues.POST("", h.CreateQueue, auth.RequireRole(auth.RoleAdmin))
}

// Ack is the response of operations that do not return the entry.
type Ack struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

func ack(id uuid.UUID) Ack { return Ack{OK: true, ID: id.String()} }

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Name: auth.UserNameFromContext(ctx)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// errorResponse maps service errors to HTTP errors. Persistence details were
// already logged by the service and are not returned.
func errorResponse(err error) error {
	var we *Error
	if errors.As(err, &we) {
		switch we.Kind {
		case KindValidation:
			body := map[string]interface{}{"error": we.Message}
			if len(we.Fields) > 0 {
				body["fields"] = we.Fields
			}
			return echo.NewHTTPError(http.StatusUnprocessableEntity, body)
		case KindNotFound:
			return echo.NewHTTPError(http.StatusNotFound, map[string]interface{}{"error": we.Message})
		case KindConflict:
			return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{"error": we.Message, "retryable": true})
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
}

func parseFilter(c echo.Context) (Filter, error) {
	var f Filter
	fields := map[string]string{}
	if v := c.QueryParam("type"); v != "" {
		t := QueueType(v)
		if !t.Valid() {
			fields["type"] = "must be one of consultation, exam, surgery"
		}
		f.Type = &t
	}
	for name, dst := range map[string]**uuid.UUID{"specialty_id": &f.SpecialtyID, "unit_id": &f.UnitID} {
		if v := c.QueryParam(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				fields[name] = "must be a uuid"
				continue
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		s := Status(v)
		if !s.Valid() {
			fields["status"] = "is not a valid status"
		}
		f.Status = &s
	}
	if v := c.QueryParam("priority"); v != "" {
		p := PriorityTier(v)
		if !p.Valid() {
			fields["priority"] = "must be one of emergency, urgent, priority, elective"
		}
		f.Priority = &p
	}
	if len(fields) > 0 {
		return Filter{}, errorResponse(validationError("invalid filter", fields))
	}
	return f, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// -- Entry Handlers --

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if key := c.Request().Header.Get(IdempotencyKeyHeader); key != "" {
		in.IdempotencyKey = key
	}
	e, err := h.svc.Create(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, h.svc.View(c.Request().Context(), e))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(c.Request().Context(), e))
}

func (h *Handler) List(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	resp := pagination.NewResponse(h.svc.Views(c.Request().Context(), items), total, pg).WithNext(c.Request().URL)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p UpdatePatch
	if err := bind(c, &p); err != nil {
		return err
	}
	e, err := h.svc.Update(c.Request().Context(), id, p, actorFrom(c))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(c.Request().Context(), e))
}

func (h *Handler) Regulate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RegulateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := h.svc.Regulate(c.Request().Context(), id, in, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ack(id))
}

func (h *Handler) Reclassify(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ReclassifyInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := h.svc.Reclassify(c.Request().Context(), id, in, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ack(id))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.Cancel(c.Request().Context(), id, req.Reason, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ack(id))
}

type reorderRequest struct {
	Position int    `json:"position"`
	Reason   string `json:"reason"`
}

func (h *Handler) Reorder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reorderRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.Reorder(c.Request().Context(), id, req.Position, req.Reason, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ack(id))
}

func (h *Handler) MoveToFront(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.MoveToFront(c.Request().Context(), id, req.Reason, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ack(id))
}

func (h *Handler) RecomputeAll(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	n, err := h.svc.RecomputeAll(c.Request().Context(), f)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"entries_updated": n})
}

func (h *Handler) SuggestNext(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	e, err := h.svc.SuggestNext(c.Request().Context(), f)
	if err != nil {
		return errorResponse(err)
	}
	if e == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"entry": nil})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entry": h.svc.View(c.Request().Context(), e)})
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ms, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, ms)
}

func (h *Handler) VerifyHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.VerifyHistory(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, res)
}

type movementRequest struct {
	Description string `json:"description"`
	Reason      string `json:"reason"`
}

func (h *Handler) AppendMovement(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req movementRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.AppendMovement(c.Request().Context(), id, req.Description, req.Reason, actorFrom(c)); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, ack(id))
}

// defaultReportWindow is used when from is not given.
const defaultReportWindow = 30 * 24 * time.Hour

func parseReportTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (h *Handler) Report(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	switch ReportKind(c.Param("kind")) {
	case ReportQueue:
		r, err := h.svc.QueueReport(ctx, f)
		if err != nil {
			return errorResponse(err)
		}
		return c.JSON(http.StatusOK, r)

	case ReportPerformance:
		to := time.Now()
		if v := c.QueryParam("to"); v != "" {
			if to, err = parseReportTime(v); err != nil {
				return errorResponse(fieldError("to", "must be RFC 3339 or YYYY-MM-DD"))
			}
		}
		from := to.Add(-defaultReportWindow)
		if v := c.QueryParam("from"); v != "" {
			if from, err = parseReportTime(v); err != nil {
				return errorResponse(fieldError("from", "must be RFC 3339 or YYYY-MM-DD"))
			}
		}
		r, err := h.svc.PerformanceReport(ctx, from, to, f)
		if err != nil {
			return errorResponse(err)
		}
		return c.JSON(http.StatusOK, r)
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown report "+strconv.Quote(c.Param("kind")))
}

// -- Queue Handlers --

func (h *Handler) CreateQueue(c echo.Context) error {
	var q Queue
	if err := bind(c, &q); err != nil {
		return err
	}
	q.ID = uuid.Nil
	if err := h.svc.CreateQueue(c.Request().Context(), &q); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, q)
}

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.GetQueue(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListQueues(c echo.Context) error {
	qs, err := h.svc.ListQueues(c.Request().Context())
	if err != nil {
		return errorResponse(err)
	}
	if qs == nil {
		qs = []*Queue{}
	}
	return c.JSON(http.StatusOK, qs)
}
