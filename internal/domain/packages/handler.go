package packages

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/domain/records"
	"github.com/ehr/recordvault/internal/platform/secure"
	"github.com/ehr/recordvault/internal/platform/tenant"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the package routes. They take precedence over the
// generic record routes for the same paths.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/packages", h.CreatePackage)
	api.POST("/packages/:id/consume", h.Consume)
	api.DELETE("/package-usages/:id", h.DeleteUsage)
}

func (h *Handler) CreatePackage(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	body, err := records.DecodeBody(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CreatePackage(c.Request().Context(), scope, body)
	if err != nil {
		return records.HTTPError(err)
	}
	if err := records.Outcome(res); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res.Row)
}

func (h *Handler) Consume(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	body, err := records.DecodeBody(c)
	if err != nil {
		return err
	}
	quantity, ok := Quantity(body["quantity"])
	if !ok {
		return records.HTTPError(&secure.ValidationError{Field: "quantity", Reason: "must be a positive integer"})
	}
	notes, _ := body["notes"].(string)

	res, err := h.svc.Consume(c.Request().Context(), scope, c.Param("id"), quantity, notes)
	if err != nil {
		return records.HTTPError(err)
	}
	if err := records.Outcome(res); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Row)
}

func (h *Handler) DeleteUsage(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	res, err := h.svc.DeleteUsage(c.Request().Context(), scope, c.Param("id"))
	if err != nil {
		return records.HTTPError(err)
	}
	if err := records.Outcome(res); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
