package api

import (
	"net/http"

	"adstudio/server/internal/events"
	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/pipeline"
	"adstudio/server/internal/production"
	"adstudio/server/internal/store"
	"adstudio/server/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	store      *store.CampaignStore
	pipeline   *pipeline.Runner
	production *production.Reconciler
	lifecycle  *lifecycle.Controller
	hub        *events.Hub
	metrics    *telemetry.Metrics
	log        *zap.Logger
}

type Deps struct {
	Store      *store.CampaignStore
	Pipeline   *pipeline.Runner
	Production *production.Reconciler
	Lifecycle  *lifecycle.Controller
	Hub        *events.Hub
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:      d.Store,
		pipeline:   d.Pipeline,
		production: d.Production,
		lifecycle:  d.Lifecycle,
		hub:        d.Hub,
		metrics:    d.Metrics,
		log:        logger.Named("api"),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log, s.metrics))

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok"})
	})

	v1.POST("/campaigns", s.createCampaign)
	v1.GET("/campaigns", s.listCampaigns)

	campaign := v1.Group("/campaigns/:campaign_id")
	{
		campaign.GET("", s.getCampaign)
		campaign.DELETE("", s.deleteCampaign)
		for _, action := range []string{lifecycle.ActionPause, lifecycle.ActionResume, lifecycle.ActionRecover, lifecycle.ActionArchive, lifecycle.ActionComplete} {
			campaign.POST("/"+action, s.campaignAction(action))
		}

		campaign.POST("/stages/:stage", s.runStage)
		campaign.PUT("/archetypes/selection", s.selectArchetypes)
		campaign.PATCH("/angles/:angle_id", s.patchAngle)
		campaign.PATCH("/prompts/:prompt_id", s.patchPrompt)
		campaign.PATCH("/outputs/:output_id", s.patchOutput)

		campaign.POST("/produce", s.produce)
		campaign.POST("/check-status", s.checkStatus)
		campaign.POST("/generate-images/callback", s.generationCallback)
		campaign.GET("/events", s.streamCampaignEvents)
	}

	return r
}
