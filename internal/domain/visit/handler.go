package visit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/httpx"
	"github.com/carelink/carelink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	create := auth.RequirePermission(auth.PermVisitCreate)
	read := auth.RequirePermission(auth.PermVisitRead)
	transition := auth.RequirePermission(auth.PermVisitTransition)

	g := api.Group("/visits")
	g.POST("", h.CreateVisit, create)
	g.GET("", h.ListVisits, read)
	g.GET("/stats", h.VisitStats, auth.RequirePermission(auth.PermVisitStats))
	g.GET("/:id", h.GetVisit, read)
	g.PATCH("/:id", h.UpdateVisit, transition)
	g.POST("/:id/confirm", h.ConfirmVisit, transition)
	g.POST("/:id/check-in", h.CheckIn, transition)
	g.POST("/:id/check-out", h.CheckOut, transition)
	g.POST("/:id/reschedule", h.RescheduleVisit, transition)
	g.POST("/:id/cancel", h.CancelVisit, transition)
	g.POST("/:id/no-show", h.MarkNoShow, transition)
	g.POST("/:id/review", h.ReviewVisit, transition)
}

// present hides private notes from clients.
func present(c echo.Context, v Visit) Visit {
	if httpx.Actor(c).Role == auth.RoleClient {
		v.PrivateNotes = nil
	}
	return v
}

func (h *Handler) respond(c echo.Context, status int, v Visit) error {
	httpx.SetVersionHeaders(c, v.Version, v.UpdatedAt)
	return c.JSON(status, present(c, v))
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Create(c.Request().Context(), in, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	var f ListFilter
	var err error
	if f.ClientID, err = httpx.QueryUUID(c, "client_id"); err != nil {
		return err
	}
	if f.WorkerID, err = httpx.QueryUUID(c, "worker_id"); err != nil {
		return err
	}
	if f.From, err = httpx.QueryTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = httpx.QueryTime(c, "to"); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	visits, total, err := h.svc.List(c.Request().Context(), f, pg, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	for i := range visits {
		visits[i] = present(c, visits[i])
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(visits, total, pg))
}

func (h *Handler) VisitStats(c echo.Context) error {
	var f StatsFilter
	var err error
	if f.ClientID, err = httpx.QueryUUID(c, "client_id"); err != nil {
		return err
	}
	if f.WorkerID, err = httpx.QueryUUID(c, "worker_id"); err != nil {
		return err
	}
	if f.From, err = httpx.QueryTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = httpx.QueryTime(c, "to"); err != nil {
		return err
	}
	st, err := h.svc.Stats(c.Request().Context(), f, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

// target reads the visit id and the If-Match version shared by every
// transition route.
func target(c echo.Context) (uuid.UUID, int, error) {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return uuid.Nil, 0, err
	}
	version, err := httpx.ExpectedVersion(c)
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, version, nil
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Update(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) ConfirmVisit(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Confirm(c.Request().Context(), id, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in CheckInInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CheckIn(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) CheckOut(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in CheckOutInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CheckOut(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

// RescheduleVisit answers with the replacement visit; the retired original
// is included under "original".
func (h *Handler) RescheduleVisit(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in RescheduleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Reschedule(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, res.Visit.Version, res.Visit.UpdatedAt)
	return c.JSON(http.StatusCreated, RescheduleResult{
		Original: present(c, res.Original),
		Visit:    present(c, res.Visit),
	})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelVisit(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in reasonBody
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Cancel(c.Request().Context(), id, in.Reason, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in reasonBody
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.MarkNoShow(c.Request().Context(), id, in.Reason, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}

func (h *Handler) ReviewVisit(c echo.Context) error {
	id, version, err := target(c)
	if err != nil {
		return err
	}
	var in ReviewInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Review(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return h.respond(c, http.StatusOK, v)
}
