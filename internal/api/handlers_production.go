package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"adstudio/server/internal/model"
	"adstudio/server/internal/production"
	"adstudio/server/internal/provider"
	"adstudio/server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type produceRequest struct {
	PromptIDs []string `json:"prompt_ids" binding:"required,min=1"`
}

func (s *Server) produce(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req produceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "prompt_ids must list at least one prompt", false, nil)
		return
	}
	res, err := s.production.Produce(c.Request.Context(), c.Param("campaign_id"), req.PromptIDs)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, res)
}

func (s *Server) checkStatus(c *gin.Context) {
	res, err := s.production.CheckStatus(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, res)
}

// generationCallback acknowledges every well-formed callback with 200, even
// when nothing changes, so the generation service stops redelivering it.
func (s *Server) generationCallback(c *gin.Context) {
	var payload provider.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid callback payload", false, nil)
		return
	}
	id := c.Param("campaign_id")
	out, err := s.production.HandleCallback(c.Request.Context(), id, c.Query("token"), payload)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("callback_for_unknown_campaign", zap.String("campaign_id", id), zap.String("job_id", payload.Data.TaskID))
		writeData(c, http.StatusOK, production.Outcome{JobID: payload.Data.TaskID, Reason: "unknown_campaign"})
		return
	}
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, out)
}

func (s *Server) streamCampaignEvents(c *gin.Context) {
	id := c.Param("campaign_id")
	if _, ok := s.store.GetAsync(c.Request.Context(), id); !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Campaign not found", false, nil)
		return
	}

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	_, sub, unsubscribe := s.hub.Subscribe(id, 128)
	defer unsubscribe()
	backlog := s.hub.Since(id, fromSeq)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	last := fromSeq
	for _, evt := range backlog {
		writeSSE(c, evt)
		last = evt.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Seq <= last {
				continue
			}
			last = evt.Seq
			writeSSE(c, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, evt model.CampaignEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
