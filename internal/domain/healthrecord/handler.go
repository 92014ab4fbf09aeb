package healthrecord

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medidash/medidash/internal/platform/apperror"
	"github.com/medidash/medidash/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients/:id/records", auth.RequireRole(auth.RoleDoctor))
	g.GET("", h.ListRecords)
	g.POST("/history", h.AddMedicalHistory)
	g.POST("/prescriptions", h.AddPrescription)
	g.DELETE("/:recordId", h.DeleteRecord)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// ListRecords serves GET /patients/:id/records?kind=prescription.
func (h *Handler) ListRecords(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	kind, err := ParseKind(c.QueryParam("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records, err := h.svc.List(c.Request().Context(), pid, kind)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, records)
}

type historyRequest struct {
	Details string `json:"details"`
}

func (h *Handler) AddMedicalHistory(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req historyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.AddMedicalHistory(c.Request().Context(), pid, req.Details)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) AddPrescription(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var in NewPrescription
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.AddPrescription(c.Request().Context(), pid, in)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// DeleteRecord always answers 204 once the caller is authenticated.
func (h *Handler) DeleteRecord(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	rid, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	if err := h.svc.Delete(c.Request().Context(), pid, rid); err != nil {
		return apperror.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
