package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unweave/unweave/internal/model"
)

// multipart framing allowed on top of the file itself
const formOverhead = 1 << 20

type handler struct {
	deps Dependencies
}

func (h *handler) health(c *gin.Context) {
	resp := gin.H{
		"status":        "ok",
		"device_type":   h.deps.Device.Type,
		"device_name":   h.deps.Device.Name,
		"gpu_available": h.deps.Device.GPU(),
		"cloud_mode":    h.deps.CloudMode,
	}
	if h.deps.Device.VRAMGB != nil {
		resp["vram_gb"] = *h.deps.Device.VRAMGB
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) separate(c *gin.Context) {
	limit := h.deps.MaxUploadBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": h.tooLarge(tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if fh.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if limit > 0 && fh.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": h.tooLarge(fh.Size)})
		return
	}

	f, err := fh.Open()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
		return
	}
	defer f.Close()

	id, err := h.deps.Jobs.Submit(c.Request.Context(), fh.Filename, f)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start separation"})
		return
	}
	h.deps.Logger.InfoContext(c.Request.Context(), "starting separation",
		slog.String("job_id", id),
		slog.String("file", fh.Filename),
		slog.Int64("size", fh.Size),
	)
	c.JSON(http.StatusOK, gin.H{
		"job_id":  id,
		"message": "Separation started",
		"status":  model.StatusProcessing,
	})
}

func (h *handler) tooLarge(size int64) string {
	return fmt.Sprintf("File too large (%.1f MB). Max: %d MB",
		float64(size)/(1024*1024), h.deps.MaxUploadBytes/(1024*1024))
}

func (h *handler) status(c *gin.Context) {
	job, err := h.deps.Jobs.Status(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handler) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.deps.Jobs.List()})
}

func (h *handler) cancel(c *gin.Context) {
	id := c.Param("job_id")
	err := h.deps.Jobs.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"job_id": id, "status": model.StatusCancelled})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, model.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
	}
}
