package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/pkg/dto"
)

// PhotoStore reads persisted analysis.
type PhotoStore interface {
	GetPhoto(ctx context.Context, id int64) (*models.Photo, error)
	FacesForUser(ctx context.Context, photoID, userID int64) ([]models.BBox, error)
}

// Dispatcher queues analysis work.
type Dispatcher interface {
	Reanalyze(ctx context.Context, photoID int64) (models.PhotoTask, error)
	ReanalyzeEvent(ctx context.Context, eventID int64) (int, error)
	RebuildDuplicates(ctx context.Context, eventID int64) (models.PhotoTask, error)
}

type PhotoHandler struct {
	store      PhotoStore
	dispatcher Dispatcher
}

func NewPhotoHandler(store PhotoStore, dispatcher Dispatcher) *PhotoHandler {
	return &PhotoHandler{store: store, dispatcher: dispatcher}
}

// Reanalyze clears the photo's analysis and queues a new pass.
func (h *PhotoHandler) Reanalyze(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	task, err := h.dispatcher.Reanalyze(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.TaskResponse{
		Status:  "queued",
		TaskID:  task.TaskID,
		EventID: task.EventID,
		PhotoID: task.PhotoID,
	})
}

func (h *PhotoHandler) Analysis(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	photo, err := h.store.GetPhoto(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, photoToResponse(photo))
}

// Faces returns where user_id appears in the photo, for blurring by the
// privacy service.
func (h *PhotoHandler) Faces(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if _, err := h.store.GetPhoto(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	boxes, err := h.store.FacesForUser(c.Request.Context(), id, userID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := dto.UserFacesResponse{PhotoID: id, UserID: userID, Boxes: make([]dto.BBox, 0, len(boxes))}
	for _, b := range boxes {
		resp.Boxes = append(resp.Boxes, bboxToDTO(b))
	}
	c.JSON(http.StatusOK, resp)
}

func bboxToDTO(b models.BBox) dto.BBox {
	return dto.BBox{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

func photoToResponse(p *models.Photo) dto.AnalysisResponse {
	resp := dto.AnalysisResponse{
		PhotoID:      p.ID,
		EventID:      p.EventID,
		State:        string(p.State),
		Processed:    p.Processed,
		QualityScore: p.QualityScore,
		Quality:      p.Quality,
		Faces:        make([]dto.FaceResponse, 0, len(p.DetectedFaces)),
		SceneTags:    p.SceneTags,
		EnhancedKey:  p.EnhancedKey,
		TakenAt:      formatTime(p.TakenAt),
		AnalyzedAt:   formatTime(p.AnalyzedAt),
	}
	if resp.SceneTags == nil {
		resp.SceneTags = []string{}
	}
	for _, f := range p.DetectedFaces {
		resp.Faces = append(resp.Faces, dto.FaceResponse{
			BBox:       bboxToDTO(f.BBox),
			UserID:     f.UserID,
			Confidence: f.Confidence,
			Method:     f.Method,
		})
	}
	return resp
}
