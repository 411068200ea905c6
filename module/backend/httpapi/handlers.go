package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"MBackend/logger"
	"MBackend/module/backend/filter"
	"MBackend/module/backend/query"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/tools/errs"
)

type saveRequest struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

func (s *Server) saveEntity(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg("%v", err))
		return
	}
	id, doc, err := s.entities.Save(c.Request.Context(), c.Param("kind"), req.ID, owner(c), req.Properties)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "properties": doc})
}

func (s *Server) getEntity(c *gin.Context) {
	doc, err := s.entities.Get(c.Request.Context(), c.Param("kind"), c.Param("id"), owner(c))
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"msg": "not found"})
		return
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "properties": doc})
}

func (s *Server) deleteEntity(c *gin.Context) {
	if err := s.entities.Delete(c.Request.Context(), c.Param("kind"), c.Param("id"), owner(c)); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type queryRequest struct {
	Kind          string         `json:"kind"`
	Filter        *filter.Filter `json:"filter"`
	SortField     string         `json:"sortField"`
	SortAscending bool           `json:"sortAscending"`
	Limit         int            `json:"limit"`
	Scope         string         `json:"scope"`
	QueryID       string         `json:"queryId"`
	RegID         string         `json:"regId"`
	DurationSec   int            `json:"durationSec"`
}

func (s *Server) runQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg("%v", err))
		return
	}
	docs, err := s.queries.Execute(c.Request.Context(), query.Request{
		Kind:          req.Kind,
		Filter:        req.Filter,
		SortField:     req.SortField,
		SortAscending: req.SortAscending,
		Limit:         req.Limit,
		Scope:         query.Scope(req.Scope),
		QueryID:       req.QueryID,
		RegID:         req.RegID,
		Duration:      time.Duration(req.DurationSec) * time.Second,
	}, owner(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	results := make([]gin.H, 0, len(docs))
	for _, kd := range docs {
		results = append(results, gin.H{"id": kd.ID, "properties": kd.Doc})
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) deviceCleanup(c *gin.Context) {
	var req subscription.DeviceTask
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg("%v", err))
		return
	}
	if err := s.cleaner.RemoveDevices(c.Request.Context(), req.Devices); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (s *Server) subscriptionDelete(c *gin.Context) {
	var req subscription.SweepTask
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg("%v", err))
		return
	}
	ctx := c.Request.Context()
	switch req.Type {
	case subscription.SweepTypeDevice:
		cutoff := time.UnixMilli(req.TimeStamp)
		err := s.registry.Sweep(ctx, cutoff, store.ParseCursor(req.Cursor), s.cfg.MarkDeleteAll)
		if err != nil {
			respondErr(c, err)
			return
		}
	case subscription.SweepTypePSI:
		for _, subID := range req.SubIDs {
			if err := s.unsub.Unsubscribe(ctx, subID); err != nil {
				logger.Warnf("unsubscribe %s: %v", subID, err)
			}
		}
	default:
		respondErr(c, errs.ErrArgs.WrapMsg("unknown sweep type %q", req.Type))
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

type matchedRequest struct {
	SubIDs []string `json:"subIds"`
}

func (s *Server) matched(c *gin.Context) {
	var req matchedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg("%v", err))
		return
	}
	if err := s.dispatcher.HandleMatches(c.Request.Context(), req.SubIDs); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

func (s *Server) workerStart(c *gin.Context) {
	s.startWorkers()
	c.JSON(http.StatusOK, gin.H{"msg": "workers running"})
}

func (s *Server) notificationCleanup(c *gin.Context) {
	n, err := s.cleaner.ReapProcessedTasks(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) feedback(c *gin.Context) {
	n, err := s.cleaner.DrainFeedback(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": n})
}
