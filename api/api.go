package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/seamgate/seamgate/engine"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/metrics"
	"github.com/seamgate/seamgate/rules"
	"github.com/seamgate/seamgate/session"
)

type Response struct {
	Code int    `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

type Options struct {
	AccessLog  bool
	PathPrefix string
	// Users enables basic auth when non-empty.
	Users map[string]string

	Engine  *engine.Engine
	CA      *intercept.CA
	Metrics *metrics.Metrics
}

func Register(r *gin.Engine, opts *Options) {
	if opts == nil || opts.Engine == nil {
		panic("api: nil engine")
	}

	r.Use(
		cors.New(cors.Config{
			AllowAllOrigins:     true,
			AllowMethods:        []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:        []string{"*"},
			AllowPrivateNetwork: true,
		}),
		gin.Recovery(),
	)
	if opts.AccessLog {
		r.Use(mwLogger())
	}

	router := r.Group("")
	if opts.PathPrefix != "" {
		router = router.Group(opts.PathPrefix)
	}
	router.Use(mwBasicAuth(opts.Users))

	h := &handler{
		engine:  opts.Engine,
		ca:      opts.CA,
		metrics: opts.Metrics,
	}

	router.GET("/flows", h.listFlows)
	router.GET("/flows/:id", h.getFlow)
	router.DELETE("/flows/:id", h.stopFlow)

	router.GET("/rules", h.getRules)
	router.POST("/rules/reload", h.reloadRules)
	router.POST("/rules/temporary", h.addTemporaryRule)
	router.DELETE("/rules/temporary", h.clearTemporaryRules)

	router.GET("/outbounds", h.listOutbounds)
	router.GET("/ca", h.getCACert)

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
}

type handler struct {
	engine  *engine.Engine
	ca      *intercept.CA
	metrics *metrics.Metrics
}

func (h *handler) listFlows(c *gin.Context) {
	reg := h.engine.Registry()

	var list []session.Snapshot
	switch c.Query("scope") {
	case "active":
		list = reg.ListActive()
	case "closed":
		list = reg.ListClosed()
	default:
		list = append(reg.ListActive(), reg.ListClosed()...)
	}

	c.JSON(http.StatusOK, Response{Data: list})
}

func (h *handler) getFlow(c *gin.Context) {
	snap, err := h.engine.Registry().Lookup(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, Response{
			Code: http.StatusNotFound,
			Msg:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, Response{Data: snap})
}

func (h *handler) stopFlow(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.engine.Registry().Lookup(id); err != nil {
		c.JSON(http.StatusNotFound, Response{
			Code: http.StatusNotFound,
			Msg:  err.Error(),
		})
		return
	}
	h.engine.Registry().Close(id, session.ReasonCompleted)
	c.JSON(http.StatusOK, Response{Msg: "stopped"})
}

type rulesView struct {
	Rules     []string `json:"rules"`
	Temporary []string `json:"temporary,omitempty"`
}

func (h *handler) getRules(c *gin.Context) {
	var view rulesView
	for _, r := range h.engine.Rules().RuleSet().Rules() {
		view.Rules = append(view.Rules, r.String())
	}
	for _, r := range h.engine.Rules().Temporary() {
		view.Temporary = append(view.Temporary, r.String())
	}
	c.JSON(http.StatusOK, Response{Data: view})
}

type reloadRequest struct {
	Rules []string `json:"rules" binding:"required"`
}

func (h *handler) reloadRules(c *gin.Context) {
	var req reloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code: http.StatusBadRequest,
			Msg:  err.Error(),
		})
		return
	}

	rs, err := rules.ParseRuleSet(req.Rules)
	if err != nil {
		// leave the active set untouched on any compile error
		c.JSON(http.StatusUnprocessableEntity, Response{
			Code: http.StatusUnprocessableEntity,
			Msg:  err.Error(),
		})
		return
	}

	h.engine.Rules().Reload(rs)
	c.JSON(http.StatusOK, Response{Msg: "reloaded"})
}

type temporaryRequest struct {
	Rule string `json:"rule" binding:"required"`
}

func (h *handler) addTemporaryRule(c *gin.Context) {
	var req temporaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code: http.StatusBadRequest,
			Msg:  err.Error(),
		})
		return
	}

	r, err := rules.ParseRule(req.Rule)
	if err == nil {
		err = h.engine.Rules().AddTemporary(r)
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, Response{
			Code: http.StatusUnprocessableEntity,
			Msg:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, Response{Msg: "added"})
}

func (h *handler) clearTemporaryRules(c *gin.Context) {
	h.engine.Rules().ClearTemporary()
	c.JSON(http.StatusOK, Response{Msg: "cleared"})
}

func (h *handler) listOutbounds(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Data: h.engine.Pool().Names()})
}

func (h *handler) getCACert(c *gin.Context) {
	if h.ca == nil {
		c.JSON(http.StatusNotFound, Response{
			Code: http.StatusNotFound,
			Msg:  "no CA configured",
		})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", h.ca.CertPEM())
}
