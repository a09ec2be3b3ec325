package api

import (
	"net/http"

	"adstudio/server/internal/agent"

	"github.com/gin-gonic/gin"
)

func (s *Server) runStage(c *gin.Context) {
	stage, ok := agent.ParseStage(c.Param("stage"))
	if !ok {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "stage must be one of research, angles, prompts", false, nil)
		return
	}
	res, err := s.pipeline.Run(c.Request.Context(), c.Param("campaign_id"), stage)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	writeData(c, http.StatusOK, res)
}
