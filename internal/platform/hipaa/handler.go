package hipaa

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
)

// Handler serves the read-only audit log endpoints.
type Handler struct {
	trail *Trail
}

func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

// RegisterRoutes mounts the audit endpoints on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit-logs", auth.RequirePermission(auth.PermAuditRead))
	g.GET("", h.Search)
	g.GET("/stats", h.Stats)
}

func (h *Handler) Search(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	result, err := h.trail.Search(c.Request().Context(), actor.ID, f)
	if err != nil {
		return apperr.ToHTTP(apperr.Store("audit search", err))
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Stats(c echo.Context) error {
	from, err := parseTime(c, "from")
	if err != nil {
		return err
	}
	to, err := parseTime(c, "to")
	if err != nil {
		return err
	}
	stats, err := h.trail.Statistics(c.Request().Context(), DateRange{From: from, To: to})
	if err != nil {
		return apperr.ToHTTP(apperr.Store("audit statistics", err))
	}
	return c.JSON(http.StatusOK, stats)
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{
		EntityType:   c.QueryParam("entity_type"),
		EntityID:     c.QueryParam("entity_id"),
		Action:       Action(c.QueryParam("action")),
		DataAccessed: Classification(c.QueryParam("data_accessed")),
	}
	if v := c.QueryParam("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid actor_id")
		}
		f.ActorID = id
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	var err error
	if f.From, err = parseTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
	}
	return &t, nil
}
