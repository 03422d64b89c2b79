package identity

import (
	"net/http"
	"strconv"

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
	read := auth.RequirePermission(auth.PermUserRead)
	manage := auth.RequirePermission(auth.PermUserManage)

	g := api.Group("/users")
	g.GET("", h.ListUsers, read)
	g.GET("/:id", h.GetUser, read)
	g.POST("", h.CreateUser, manage)
	g.PATCH("/:id", h.UpdateUser, manage)
	g.POST("/:id/deactivate", h.DeactivateUser, manage)
	g.DELETE("/:id", h.DeleteUser, manage)
}

func (h *Handler) CreateUser(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.Create(c.Request().Context(), in, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, u.Version, u.UpdatedAt)
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	u, err := h.svc.Get(c.Request().Context(), id, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, u.Version, u.UpdatedAt)
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	var f ListFilter
	if v := c.QueryParam("role"); v != "" {
		role, ok := auth.ParseRole(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
		}
		f.Role = role
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active")
		}
		f.Active = &active
	}
	pg := pagination.FromContext(c)
	users, total, err := h.svc.List(c.Request().Context(), f, pg, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, pg))
}

func (h *Handler) UpdateUser(c echo.Context) error {
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
	u, err := h.svc.Update(c.Request().Context(), id, in, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, u.Version, u.UpdatedAt)
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeactivateUser(c echo.Context) error {
	id, err := httpx.ParseID(c, "id")
	if err != nil {
		return err
	}
	version, err := httpx.ExpectedVersion(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Deactivate(c.Request().Context(), id, version, httpx.Actor(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	httpx.SetVersionHeaders(c, u.Version, u.UpdatedAt)
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUser(c echo.Context) error {
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
