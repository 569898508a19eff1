package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/lifecycle"
)

// Lifecycle is the slice of the VM manager the HTTP layer needs.
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*domain.VirtualMachine, error)
	StartVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error)
	StopVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error)
	DeleteVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error)
	AttachGPU(ctx context.Context, vmID, gpuID string) (*domain.VirtualMachine, error)
	DetachGPU(ctx context.Context, vmID, gpuID string) (*domain.VirtualMachine, error)
	Get(vmID string) (*domain.VirtualMachine, error)
	List() []*domain.VirtualMachine
}

// GPUService is the slice of the allocator exposed over HTTP.
type GPUService interface {
	List() []*domain.GPUDevice
	ClearFault(gpuID string) error
}

// Metrics is the slice of the collector exposed over HTTP.
type Metrics interface {
	Latest(subjectID string) (domain.MetricSample, bool)
	Window(subjectID string, from, to time.Time) []domain.MetricSample
	Subscribe() (<-chan domain.MetricSample, func())
}

// Server serves the management API.
type Server struct {
	log     *logrus.Entry
	vms     Lifecycle
	gpus    GPUService
	metrics Metrics
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateVMRequest is the JSON body for POST /api/v1/vms
type CreateVMRequest struct {
	Name        string `json:"name"`
	VCPUs       int    `json:"vcpus"`
	MemoryMB    uint64 `json:"memoryMb"`
	GPURequired bool   `json:"gpuRequired"`
	GPUVendor   string `json:"gpuVendor"`
	Image       string `json:"image"`
}

// AttachGPURequest is the JSON body for POST /api/v1/vms/:id/gpus
type AttachGPURequest struct {
	GPUID string `json:"gpuId"`
}

func NewServer(vms Lifecycle, gpus GPUService, metrics Metrics, log *logrus.Logger) *Server {
	return &Server{
		log:     log.WithField("component", "api"),
		vms:     vms,
		gpus:    gpus,
		metrics: metrics,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/vms", s.handleCreateVM)
		v1.GET("/vms", s.handleListVMs)
		v1.GET("/vms/:id", s.handleGetVM)
		v1.POST("/vms/:id/start", s.handleStartVM)
		v1.POST("/vms/:id/stop", s.handleStopVM)
		v1.DELETE("/vms/:id", s.handleDeleteVM)
		v1.POST("/vms/:id/gpus", s.handleAttachGPU)
		v1.DELETE("/vms/:id/gpus/:gpuID", s.handleDetachGPU)

		v1.GET("/gpus", s.handleListGPUs)
		v1.POST("/gpus/:id/clear-fault", s.handleClearFault)

		v1.GET("/metrics/:id", s.handleLatestMetrics)
		v1.GET("/metrics/:id/window", s.handleMetricsWindow)
		v1.GET("/metrics/stream", s.handleMetricsStream)
	}

	return r
}

func (s *Server) handleCreateVM(c *gin.Context) {
	var req CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	vm, err := s.vms.Create(c.Request.Context(), lifecycle.CreateRequest{
		Name:        req.Name,
		VCPUs:       req.VCPUs,
		MemoryMB:    req.MemoryMB,
		GPURequired: req.GPURequired,
		GPUVendor:   req.GPUVendor,
		Image:       req.Image,
	})
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vm)
}

func (s *Server) handleListVMs(c *gin.Context) {
	c.JSON(http.StatusOK, s.vms.List())
}

func (s *Server) handleGetVM(c *gin.Context) {
	vm, err := s.vms.Get(c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleStartVM(c *gin.Context) {
	vm, err := s.vms.StartVM(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleStopVM(c *gin.Context) {
	vm, err := s.vms.StopVM(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(c *gin.Context) {
	vm, err := s.vms.DeleteVM(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleAttachGPU(c *gin.Context) {
	var req AttachGPURequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.GPUID == "" {
		s.writeError(c, http.StatusBadRequest, "gpuId is required", "MISSING_GPU_ID")
		return
	}

	vm, err := s.vms.AttachGPU(c.Request.Context(), c.Param("id"), req.GPUID)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleDetachGPU(c *gin.Context) {
	vm, err := s.vms.DetachGPU(c.Request.Context(), c.Param("id"), c.Param("gpuID"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleListGPUs(c *gin.Context) {
	c.JSON(http.StatusOK, s.gpus.List())
}

func (s *Server) handleClearFault(c *gin.Context) {
	if err := s.gpus.ClearFault(c.Param("id")); err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleLatestMetrics(c *gin.Context) {
	sample, ok := s.metrics.Latest(c.Param("id"))
	if !ok {
		s.writeError(c, http.StatusNotFound, "no samples for subject", "NO_SAMPLES")
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleMetricsWindow(c *gin.Context) {
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.metrics.Window(c.Param("id"), from, to))
}

func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: name + " must be RFC3339",
			Code:  "INVALID_TIME",
		})
		return time.Time{}, false
	}
	return t, true
}

// mapError translates domain errors to HTTP status codes.
func (s *Server) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(c, http.StatusBadRequest, err.Error(), "VALIDATION")
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(c, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, domain.ErrConflict):
		s.writeError(c, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, domain.ErrResourceExhausted):
		s.writeError(c, http.StatusServiceUnavailable, err.Error(), "RESOURCE_EXHAUSTED")
	case errors.Is(err, domain.ErrTimeout):
		s.writeError(c, http.StatusGatewayTimeout, err.Error(), "TIMEOUT")
	default:
		s.log.WithError(err).Error("request failed")
		s.writeError(c, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func (s *Server) writeError(c *gin.Context, status int, message, code string) {
	c.JSON(status, ErrorResponse{Error: message, Code: code})
}
