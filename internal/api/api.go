// SPDX-License-Identifier: Apache-2.0

// Package api serves evidence discovery and validation over a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/tool"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

var evidenceFormats = map[string]bool{
	"markdown": true, "md": true, "yaml": true, "yml": true, "json": true,
	"csv": true, "tsv": true, "xlsx": true, "xlsm": true, "excel": true,
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := registerValidations(v); err != nil {
			panic(err)
		}
	}
}

// registerValidations adds the request binding tags used by this package.
func registerValidations(v *validator.Validate) error {
	err := v.RegisterValidation("evidenceformat", func(fl validator.FieldLevel) bool {
		return evidenceFormats[strings.ToLower(fl.Field().String())]
	})
	if err != nil {
		return fmt.Errorf("register evidenceformat validation: %w", err)
	}
	return nil
}

type documentRequest struct {
	Content       string                       `json:"content" binding:"required_without=ContentBase64"`
	ContentBase64 string                       `json:"content_base64" binding:"omitempty,base64"`
	Format        string                       `json:"format" binding:"omitempty,evidenceformat"`
	SourceID      string                       `json:"source_id" binding:"max=512"`
	ColumnHints   map[string]map[string]string `json:"column_hints"`
}

func (r documentRequest) input() tool.InputDocument {
	return tool.InputDocument{
		Content:       r.Content,
		ContentBase64: r.ContentBase64,
		Format:        r.Format,
		SourceID:      r.SourceID,
		ColumnHints:   r.ColumnHints,
	}
}

type validateRequest struct {
	documentRequest
	PeriodStart string `json:"period_start" binding:"omitempty,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" binding:"omitempty,datetime=2006-01-02"`
}

// API provides the HTTP handlers.
type API struct {
	handlers *tool.Handlers
	log      *logrus.Entry
}

// NewAPI creates an API over the MCP tool handlers so both surfaces share behavior.
func NewAPI(h *tool.Handlers, logger *logrus.Logger) *API {
	return &API{handlers: h, log: logging.Component(logger, "api")}
}

// Router builds a gin engine with recovery, request logging and all routes.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the API routes with the given Gin router.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.healthHandler)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/discover", a.discoverHandler)
		v1.POST("/validate", a.validateHandler)
		v1.GET("/evidence-types", a.listTypesHandler)
		v1.GET("/evidence-types/:type", a.getTypeHandler)
	}
}

// Run serves the API on addr until ctx is cancelled.
func (a *API) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background()) //nolint:errcheck
	}()

	a.log.WithField("addr", addr).Info("http api listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request served")
	}
}

func (a *API) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": tool.Version})
}

func (a *API) discoverHandler(c *gin.Context) {
	var req documentRequest
	if !a.bind(c, &req) {
		return
	}

	_, out, err := a.handlers.DiscoverEvidenceSchema(c.Request.Context(), nil, tool.InputDiscoverEvidenceSchema{InputDocument: req.input()})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out.SchemaDiscoveryResult)
}

func (a *API) validateHandler(c *gin.Context) {
	var req validateRequest
	if !a.bind(c, &req) {
		return
	}
	if _, err := validation.ParsePeriod(req.PeriodStart, req.PeriodEnd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, out, err := a.handlers.ValidateEvidenceRecords(c.Request.Context(), nil, tool.InputValidateEvidenceRecords{
		InputDocument: req.input(),
		PeriodStart:   req.PeriodStart,
		PeriodEnd:     req.PeriodEnd,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out.DocumentReport)
}

func (a *API) listTypesHandler(c *gin.Context) {
	_, out, err := a.handlers.ListEvidenceTypes(c.Request.Context(), nil, tool.InputListEvidenceTypes{Category: c.Query("category")})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getTypeHandler(c *gin.Context) {
	def, ok := a.handlers.Registry().Lookup(c.Param("type"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "evidence type not found"})
		return
	}
	c.JSON(http.StatusOK, def)
}

// bind decodes the JSON body into req and writes a 400 on failure.
func (a *API) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": processValidationErrors(verrs)})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
	return false
}

// processValidationErrors flattens validator errors into a field -> tag map.
func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		out[ve.Field()] = ve.Tag()
	}
	return out
}

func (a *API) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, evidence.ErrUnsupportedFormat), errors.Is(err, evidence.ErrEmptyDocument):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, tool.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.log.WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
