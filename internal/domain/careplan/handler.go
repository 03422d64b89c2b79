package careplan

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
	read := auth.RequirePermission(auth.PermCarePlanRead)
	manage := auth.RequirePermission(auth.PermCarePlanManage)

	g := api.Group("/care-plans")
	g.GET("", h.ListCarePlans, read)
	g.GET("/:id", h.GetCarePlan, read)
	g.POST("", h.CreateCarePlan, manage)
	g.PATCH("/:id", h.UpdateCarePlan, manage)
	g.DELETE("/:id", h.DeleteCarePlan, manage)
}

func (h *Handler) CreateCarePlan(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cp, err := h.svc.Create(c.Request().Context(), in, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, cp.Version, cp.UpdatedAt)
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) GetCarePlan(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	cp, err := h.svc.Get(c.Request().Context(), id, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, cp.Version, cp.UpdatedAt)
	return c.JSON(http.StatusOK, cp)
}

// ListCarePlans lists the plans of ?client_id. Clients default to their own.
func (h *Handler) ListCarePlans(c echo.Context) error {
	actor := httpx.Actor(c)
	clientID, err := httpx.QueryUUID(c, "client_id")
	if err != nil {
		return err
	}
	if clientID == uuid.Nil {
		if actor.Role != auth.RoleClient {
			return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
		}
		clientID = actor.ID
	}
	pg := pagination.FromContext(c)
	plans, total, err := h.svc.ListByClient(c.Request().Context(), clientID, c.QueryParam("status"), pg, actor)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(plans, total, pg))
}

func (h *Handler) UpdateCarePlan(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	version, err := httpx.ExpectedVersion(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cp, err := h.svc.Update(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, cp.Version, cp.UpdatedAt)
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) DeleteCarePlan(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	version, err := httpx.ExpectedVersion(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id, version, httpx.Actor(c), c.QueryParam("reason")); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
