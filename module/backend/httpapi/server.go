// Package httpapi wires the HTTP surface: the client-facing entity and
// query endpoints plus the internal endpoints driven by the queue
// dispatcher.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"MBackend/middleware"
	"MBackend/module/backend/cleanup"
	"MBackend/module/backend/config"
	"MBackend/module/backend/dispatch"
	"MBackend/module/backend/entity"
	"MBackend/module/backend/query"
	"MBackend/module/backend/subscription"
	"MBackend/tools/errs"
)

// Server bundles the services behind the routes.
type Server struct {
	entities     *entity.Service
	queries      *query.Engine
	dispatcher   *dispatch.Dispatcher
	cleaner      *cleanup.Service
	registry     *subscription.Registry
	unsub        subscription.Unsubscriber
	cfg          *config.Manager
	startWorkers func()
}

func NewServer(
	entities *entity.Service,
	queries *query.Engine,
	dispatcher *dispatch.Dispatcher,
	cleaner *cleanup.Service,
	registry *subscription.Registry,
	unsub subscription.Unsubscriber,
	cfg *config.Manager,
	startWorkers func(),
) *Server {
	return &Server{
		entities:     entities,
		queries:      queries,
		dispatcher:   dispatcher,
		cleaner:      cleaner,
		registry:     registry,
		unsub:        unsub,
		cfg:          cfg,
		startWorkers: startWorkers,
	}
}

// Routes registers every endpoint. The dispatch header/token pair guards
// the internal surface.
func (s *Server) Routes(r *gin.Engine, dispatchHeader, dispatchToken string) {
	api := r.Group("/api")
	{
		api.POST("/entity/:kind", s.saveEntity)
		api.GET("/entity/:kind/:id", s.getEntity)
		api.DELETE("/entity/:kind/:id", s.deleteEntity)
		api.POST("/query", s.runQuery)
	}

	internal := r.Group("/", middleware.TrustedDispatcher(dispatchHeader, dispatchToken))
	{
		internal.POST("/admin/push/device/cleanup", s.deviceCleanup)
		internal.POST("/admin/push/devicesubscription/delete", s.subscriptionDelete)
		internal.POST("/matcher/matched", s.matched)
		internal.GET("/worker/start", s.workerStart)
		internal.GET("/admin/push/notifications/cleanup", s.notificationCleanup)
		internal.GET("/admin/push/feedback", s.feedback)
	}
}

func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.Code(err) {
	case errs.CodeArgs:
		status = http.StatusBadRequest
	case errs.CodeUnauthorized:
		status = http.StatusUnauthorized
	}
	ce, ok := err.(*errs.CodeError)
	if !ok {
		ce = errs.ErrInternal.WrapMsg("%v", err).(*errs.CodeError)
	}
	c.JSON(status, ce)
}

func owner(c *gin.Context) string {
	return c.GetHeader("X-Owner-Id")
}
