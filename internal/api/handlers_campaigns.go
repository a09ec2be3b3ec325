package api

import (
	"net/http"
	"strconv"
	"strings"

	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/model"
	"adstudio/server/internal/store"

	"github.com/gin-gonic/gin"
)

type referenceImageRequest struct {
	URL      string `json:"url" binding:"required"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

type createCampaignRequest struct {
	Name            string                  `json:"name" binding:"required"`
	Brief           string                  `json:"brief" binding:"required"`
	CoreMessage     string                  `json:"core_message"`
	ReferenceImages []referenceImageRequest `json:"reference_images" binding:"dive"`
}

func (s *Server) createCampaign(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid campaign payload", false, nil)
		return
	}
	in := store.CreateCampaignInput{
		Name:        req.Name,
		Brief:       req.Brief,
		CoreMessage: req.CoreMessage,
	}
	for _, img := range req.ReferenceImages {
		in.ReferenceImages = append(in.ReferenceImages, model.ReferenceImage{URL: strings.TrimSpace(img.URL), Name: img.Name, MimeType: img.MimeType})
	}
	created, err := s.store.Create(c.Request.Context(), in)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	s.publish(c, created.Campaign.ID, model.EventCampaignCreated, map[string]any{"status": created.Campaign.Status})
	writeData(c, http.StatusCreated, created)
}

func (s *Server) listCampaigns(c *gin.Context) {
	f := store.ListFilter{Status: model.CampaignStatus(c.Query("status"))}
	f.IncludeArchived, _ = strconv.ParseBool(c.Query("include_archived"))
	items, err := s.store.List(c.Request.Context(), f)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) getCampaign(c *gin.Context) {
	st, ok := s.store.GetAsync(c.Request.Context(), c.Param("campaign_id"))
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Campaign not found", false, nil)
		return
	}
	writeData(c, http.StatusOK, st)
}

func (s *Server) deleteCampaign(c *gin.Context) {
	id := c.Param("campaign_id")
	permanent, _ := strconv.ParseBool(c.Query("permanent"))
	if err := s.lifecycle.Delete(c.Request.Context(), id, permanent); err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"campaign_id": id,
		"deleted":     true,
		"permanent":   permanent,
	})
}

func (s *Server) campaignAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("campaign_id")
		var (
			campaign model.Campaign
			err      error
		)
		switch action {
		case lifecycle.ActionPause:
			campaign, err = s.lifecycle.Pause(ctx, id)
		case lifecycle.ActionResume:
			campaign, err = s.lifecycle.Resume(ctx, id)
		case lifecycle.ActionRecover:
			campaign, err = s.lifecycle.Recover(ctx, id)
		case lifecycle.ActionArchive:
			campaign, err = s.lifecycle.Archive(ctx, id)
		case lifecycle.ActionComplete:
			campaign, err = s.lifecycle.Complete(ctx, id)
		default:
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Unknown action", false, nil)
			return
		}
		if err != nil {
			s.writeFailure(c, err)
			return
		}
		writeData(c, http.StatusOK, campaign)
	}
}

type selectArchetypesRequest struct {
	ArchetypeIDs []string `json:"archetype_ids"`
}

func (s *Server) selectArchetypes(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req selectArchetypesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid selection payload", false, nil)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("campaign_id")
	if err := s.store.UpdateArchetypeSelection(ctx, id, req.ArchetypeIDs); err != nil {
		s.writeFailure(c, err)
		return
	}
	st, _ := s.store.GetAsync(ctx, id)
	writeData(c, http.StatusOK, gin.H{"archetypes": st.Archetypes})
}

type patchAngleRequest struct {
	ImagesRequested *int `json:"images_requested"`
	VideosRequested *int `json:"videos_requested"`
}

func (s *Server) patchAngle(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req patchAngleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid angle payload", false, nil)
		return
	}
	ctx := c.Request.Context()
	id, angleID := c.Param("campaign_id"), c.Param("angle_id")
	if err := s.store.UpdateAngleCounts(ctx, id, angleID, req.ImagesRequested, req.VideosRequested); err != nil {
		s.writeFailure(c, err)
		return
	}
	st, _ := s.store.GetAsync(ctx, id)
	writeData(c, http.StatusOK, st.AngleByID(angleID))
}

type patchPromptRequest struct {
	Text              *string `json:"text"`
	ReferenceImageURL *string `json:"reference_image_url"`
}

func (s *Server) patchPrompt(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req patchPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid prompt payload", false, nil)
		return
	}
	ctx := c.Request.Context()
	id, promptID := c.Param("campaign_id"), c.Param("prompt_id")
	if err := s.store.UpdatePromptText(ctx, id, promptID, req.Text, req.ReferenceImageURL); err != nil {
		s.writeFailure(c, err)
		return
	}
	st, _ := s.store.GetAsync(ctx, id)
	writeData(c, http.StatusOK, st.PromptByID(promptID))
}

type patchOutputRequest struct {
	ClientFeedback    *model.Feedback `json:"client_feedback"`
	FeedbackNote      *string         `json:"feedback_note"`
	ApprovedForClient *bool           `json:"approved_for_client"`
	EditedURL         *string         `json:"edited_url"`
}

func (s *Server) patchOutput(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req patchOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid feedback payload", false, nil)
		return
	}
	id := c.Param("campaign_id")
	out, err := s.store.UpdateClientFeedback(c.Request.Context(), id, c.Param("output_id"), store.FeedbackUpdate{
		Feedback:          req.ClientFeedback,
		Note:              req.FeedbackNote,
		ApprovedForClient: req.ApprovedForClient,
		EditedURL:         req.EditedURL,
	})
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	s.publish(c, id, model.EventOutputFeedback, map[string]any{
		"output_id":           out.ID,
		"client_feedback":     out.ClientFeedback,
		"approved_for_client": out.ApprovedForClient,
	})
	writeData(c, http.StatusOK, out)
}

func (s *Server) publish(c *gin.Context, campaignID string, typ model.EventType, payload map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(model.CampaignEvent{
		TraceID:    traceIDFromContext(c),
		CampaignID: campaignID,
		Type:       typ,
		Payload:    payload,
	})
}
