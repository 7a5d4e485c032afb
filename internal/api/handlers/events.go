package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/pkg/dto"
)

// BestShotReader lists a ranking, best first.
type BestShotReader interface {
	List(ctx context.Context, eventID int64, cat models.Category) ([]models.BestShotEntry, error)
}

// DuplicateReader lists an event's duplicate groups.
type DuplicateReader interface {
	ListDuplicateGroups(ctx context.Context, eventID int64) ([]models.DuplicateGroup, error)
}

// ControlPublisher broadcasts commands to every worker.
type ControlPublisher interface {
	PublishControl(cmd models.ControlCommand) error
}

type EventHandler struct {
	bestShots  BestShotReader
	duplicates DuplicateReader
	dispatcher Dispatcher
	control    ControlPublisher
}

func NewEventHandler(bestShots BestShotReader, duplicates DuplicateReader, dispatcher Dispatcher, control ControlPublisher) *EventHandler {
	return &EventHandler{bestShots: bestShots, duplicates: duplicates, dispatcher: dispatcher, control: control}
}

// BestShots returns every ranking of the event, or one when ?category= is set.
func (h *EventHandler) BestShots(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	cats := models.AllCategories
	if q := c.Query("category"); q != "" {
		cat := models.Category(q)
		if !cat.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category " + q})
			return
		}
		cats = []models.Category{cat}
	}

	resp := dto.BestShotsResponse{EventID: eventID, Categories: make(map[string][]dto.BestShotResponse, len(cats))}
	for _, cat := range cats {
		entries, err := h.bestShots.List(c.Request.Context(), eventID, cat)
		if err != nil {
			writeError(c, err)
			return
		}
		shots := make([]dto.BestShotResponse, 0, len(entries))
		for _, e := range entries {
			shots = append(shots, dto.BestShotResponse{
				PhotoID:   e.PhotoID,
				Score:     e.Score,
				UpdatedAt: e.UpdatedAt.UTC().Format(timeLayout),
			})
		}
		resp.Categories[string(cat)] = shots
	}

	c.JSON(http.StatusOK, resp)
}

func (h *EventHandler) Duplicates(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	groups, err := h.duplicates.ListDuplicateGroups(c.Request.Context(), eventID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := dto.DuplicateGroupsResponse{EventID: eventID, Groups: make([]dto.DuplicateGroupResponse, 0, len(groups)), Total: len(groups)}
	for _, g := range groups {
		gr := dto.DuplicateGroupResponse{
			ID:        g.ID,
			Threshold: g.Threshold,
			Members:   make([]dto.DuplicateMemberResponse, 0, len(g.Members)),
			CreatedAt: g.CreatedAt.UTC().Format(timeLayout),
		}
		for _, m := range g.Members {
			gr.Members = append(gr.Members, dto.DuplicateMemberResponse{
				PhotoID:    m.PhotoID,
				Similarity: m.Similarity,
				IsPrimary:  m.IsPrimary,
			})
		}
		resp.Groups = append(resp.Groups, gr)
	}

	c.JSON(http.StatusOK, resp)
}

// RebuildDuplicates queues a duplicate recomputation, e.g. after photos
// were deleted from the event.
func (h *EventHandler) RebuildDuplicates(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	task, err := h.dispatcher.RebuildDuplicates(c.Request.Context(), eventID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.TaskResponse{Status: "queued", TaskID: task.TaskID, EventID: eventID})
}

// InvalidateEncodings tells every worker to drop the event's cached
// reference encodings, e.g. after the roster or a reference image changed.
func (h *EventHandler) InvalidateEncodings(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	cmd := models.ControlCommand{Action: models.ControlInvalidateEncodings, EventID: eventID}
	if err := h.control.PublishControl(cmd); err != nil {
		slog.Error("publish control command", "action", cmd.Action, "event_id", eventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send invalidate command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "invalidated", "event_id": eventID})
}

// Reanalyze queues every photo of the event for a fresh pass.
func (h *EventHandler) Reanalyze(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	n, err := h.dispatcher.ReanalyzeEvent(c.Request.Context(), eventID)
	if err != nil {
		slog.Error("reanalyze event", "event_id", eventID, "queued", n, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "queued": n})
		return
	}

	c.JSON(http.StatusAccepted, dto.BatchResponse{Status: "queued", EventID: eventID, Queued: n})
}
