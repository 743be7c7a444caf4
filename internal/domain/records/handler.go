// Package records exposes every registered entity over a uniform REST
// surface. Handlers only translate HTTP to pipeline calls and back.
package records

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/entity"
	"github.com/ehr/recordvault/internal/platform/secure"
	"github.com/ehr/recordvault/internal/platform/store"
	"github.com/ehr/recordvault/internal/platform/tenant"
	"github.com/ehr/recordvault/pkg/pagination"
)

type Handler struct {
	svc *secure.Service
}

func NewHandler(svc *secure.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the record routes on api. The group must already run
// the auth and tenant scope middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit-events", h.ListAudit)

	api.GET("/:entity", h.List)
	api.POST("/:entity", h.Create)
	api.GET("/:entity/:id", h.Get)
	api.PATCH("/:entity/:id", h.Update)
	api.DELETE("/:entity/:id", h.Delete)
}

func scope(c echo.Context) (tenant.Scope, error) {
	s, err := tenant.FromEcho(c)
	if err != nil {
		return tenant.Scope{}, echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	return s, nil
}

// filters turns every non-pagination query parameter into an equality filter.
func filters(c echo.Context) (store.Filter, error) {
	f := store.Filter{}
	for k, vs := range c.QueryParams() {
		if pagination.IsParam(k) {
			continue
		}
		if len(vs) != 1 {
			return nil, HTTPError(&secure.ValidationError{Field: k, Reason: "repeated filter"})
		}
		f[k] = store.Text(vs[0])
	}
	return f, nil
}

// DecodeBody reads a JSON object from the request. Numbers keep their
// literal form.
func DecodeBody(c echo.Context) (entity.Record, error) {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	var rec entity.Record
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	if rec == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return rec, nil
}

func (h *Handler) List(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	f, err := filters(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	res, err := h.svc.List(c.Request().Context(), s, c.Param("entity"), f, store.Page{Limit: pg.Limit, Offset: pg.Offset})
	if err != nil {
		return HTTPError(err)
	}
	if res.Outcome != secure.Found {
		return Outcome(secure.Result{Outcome: res.Outcome})
	}
	resp := pagination.NewResponse(res.Rows, res.Total, pg)
	resp.Links = pg.Links(c.Request().URL.Path, c.QueryParams(), res.Total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Get(c.Request().Context(), s, c.Param("entity"), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	if err := Outcome(res); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Row)
}

func (h *Handler) Create(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	body, err := DecodeBody(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Create(c.Request().Context(), s, c.Param("entity"), body)
	if err != nil {
		return HTTPError(err)
	}
	if err := Outcome(res); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res.Row)
}

func (h *Handler) Update(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	body, err := DecodeBody(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Update(c.Request().Context(), s, c.Param("entity"), c.Param("id"), body)
	if err != nil {
		return HTTPError(err)
	}
	if err := Outcome(res); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Row)
}

func (h *Handler) Delete(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Delete(c.Request().Context(), s, c.Param("entity"), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	if err := Outcome(res); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type auditPage struct {
	Data    any  `json:"data"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListAudit returns the caller tenant's audit trail, newest first.
func (h *Handler) ListAudit(c echo.Context) error {
	s, err := scope(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	// One extra row tells whether another page exists.
	events, outcome, err := h.svc.ListAudit(c.Request().Context(), s, store.Page{Limit: pg.Limit + 1, Offset: pg.Offset})
	if err != nil {
		return HTTPError(err)
	}
	if err := Outcome(secure.Result{Outcome: outcome}); err != nil {
		return err
	}
	more := len(events) > pg.Limit
	if more {
		events = events[:pg.Limit]
	}
	return c.JSON(http.StatusOK, auditPage{Data: events, Limit: pg.Limit, Offset: pg.Offset, HasMore: more})
}
