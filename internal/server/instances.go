package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/projection"
	"github.com/roach88/lifeflow/internal/query"
	"github.com/roach88/lifeflow/internal/worker"
)

type (
	createInstanceRequest struct {
		OrgID         string         `json:"org_id,omitempty"`
		EntityType    string         `json:"entity_type" binding:"required"`
		EntityID      string         `json:"entity_id" binding:"required"`
		EntityVersion int64          `json:"entity_version"`
		Entity        map[string]any `json:"entity,omitempty"`
		Actor         map[string]any `json:"actor,omitempty"`
		Context       map[string]any `json:"context,omitempty"`
		DefinitionID  string         `json:"definition_id,omitempty"`
		InstanceID    string         `json:"instance_id,omitempty"`
		// Async enqueues a workflow_start event instead of creating inline.
		Async bool `json:"async,omitempty"`
	}

	advanceRequest struct {
		NodeID        string         `json:"node_id" binding:"required"`
		TokenID       string         `json:"token_id" binding:"required"`
		EntityVersion int64          `json:"entity_version,omitempty"`
		Entity        map[string]any `json:"entity,omitempty"`
		Actor         map[string]any `json:"actor,omitempty"`
		Resume        bool           `json:"resume,omitempty"`
		ResumePayload map[string]any `json:"resume_payload,omitempty"`
	}

	amendRequest struct {
		EntityVersion int64          `json:"entity_version" binding:"required"`
		Entity        map[string]any `json:"entity,omitempty"`
		Actor         map[string]any `json:"actor,omitempty"`
	}

	cancelRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	editWindowRequest struct {
		Verb string `json:"verb" binding:"required"`
	}

	editWindowResponse struct {
		Window  ir.EditWindow `json:"window"`
		Verb    string        `json:"verb"`
		Allowed bool          `json:"allowed"`
		Reason  string        `json:"reason,omitempty"`
	}

	projectionResponse struct {
		Rebuilt projection.Projection `json:"rebuilt"`
		Live    projection.Projection `json:"live"`
		Match   bool                  `json:"match"`
	}

	listRequest struct {
		OrgID         string    `form:"org_id"`
		EntityType    string    `form:"entity_type"`
		EntityID      string    `form:"entity_id"`
		DefinitionID  string    `form:"definition_id"`
		Status        string    `form:"status"` // comma-separated
		UpdatedBefore time.Time `form:"updated_before" time_format:"2006-01-02T15:04:05Z07:00"`
		UpdatedAfter  time.Time `form:"updated_after" time_format:"2006-01-02T15:04:05Z07:00"`
		Limit         int       `form:"limit"`
		After         string    `form:"after"`
	}

	listResponse struct {
		Instances []ir.Instance `json:"instances"`
		// Next is the cursor for the following page, empty on the last one.
		Next string `json:"next,omitempty"`
	}

	startedResponse struct {
		InstanceID string `json:"instance_id"`
		EventID    string `json:"event_id"`
		Enqueued   bool   `json:"enqueued"`
	}
)

func (s *Server) createInstance(c *gin.Context) {
	var body createInstanceRequest
	if !bindJSON(c, &body) {
		return
	}
	req := engine.CreateRequest{
		OrgID:         s.org(body.OrgID),
		EntityType:    body.EntityType,
		EntityID:      body.EntityID,
		EntityVersion: body.EntityVersion,
		Entity:        body.Entity,
		Actor:         body.Actor,
		Context:       body.Context,
		DefinitionID:  body.DefinitionID,
		InstanceID:    body.InstanceID,
	}
	if req.EntityVersion == 0 {
		req.EntityVersion = 1
	}

	if body.Async {
		s.enqueueStart(c, req)
		return
	}

	inst, err := s.engine.CreateInstance(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) enqueueStart(c *gin.Context, req engine.CreateRequest) {
	if req.InstanceID == "" {
		req.InstanceID = s.engine.NewID()
	}
	spec := worker.StartEventSpec(s.engine.NewID(), req, s.engine.Clock().Now())

	var wrote bool
	ctx := c.Request.Context()
	err := s.engine.Store().WithTx(ctx, func(tx engine.Tx) error {
		var err error
		wrote, err = engine.WriteOutboxEvent(ctx, tx, spec)
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, startedResponse{
		InstanceID: req.InstanceID,
		EventID:    spec.ID,
		Enqueued:   wrote,
	})
}

func (s *Server) listInstances(c *gin.Context) {
	var params listRequest
	if err := c.ShouldBindQuery(&params); err != nil {
		badRequest(c, err)
		return
	}
	sel := params.selection(s.org(params.OrgID))
	instances, err := s.engine.ListInstances(c.Request.Context(), sel)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := listResponse{Instances: instances}
	if len(instances) == sel.PageSize() {
		resp.Next = instances[len(instances)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

func (r listRequest) selection(orgID string) query.Select {
	var preds []query.Predicate
	eq := func(f query.Field, v string) {
		if v != "" {
			preds = append(preds, query.Equals{Field: f, Value: v})
		}
	}
	eq(query.FieldOrgID, orgID)
	eq(query.FieldEntityType, r.EntityType)
	eq(query.FieldEntityID, r.EntityID)
	eq(query.FieldDefinitionID, r.DefinitionID)
	if r.Status != "" {
		preds = append(preds, query.In{Field: query.FieldStatus, Values: strings.Split(r.Status, ",")})
	}
	if !r.UpdatedBefore.IsZero() {
		preds = append(preds, query.Before{Field: query.FieldUpdatedAt, Time: r.UpdatedBefore})
	}
	if !r.UpdatedAfter.IsZero() {
		preds = append(preds, query.After{Field: query.FieldUpdatedAt, Time: r.UpdatedAfter})
	}
	return query.Select{Filter: query.Where(preds...), Limit: r.Limit, AfterID: r.After}
}

func (s *Server) getInstance(c *gin.Context) {
	h, err := s.engine.LoadHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) advanceInstance(c *gin.Context) {
	var body advanceRequest
	if !bindJSON(c, &body) {
		return
	}
	res, err := s.engine.AdvanceWorkflow(c.Request.Context(), engine.AdvanceRequest{
		InstanceID:    c.Param("id"),
		NodeID:        body.NodeID,
		TokenID:       body.TokenID,
		EntityVersion: body.EntityVersion,
		Entity:        body.Entity,
		Actor:         body.Actor,
		Resume:        body.Resume,
		ResumePayload: body.ResumePayload,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) amendInstance(c *gin.Context) {
	var body amendRequest
	if !bindJSON(c, &body) {
		return
	}
	inst, err := s.engine.AmendInstance(c.Request.Context(), engine.AmendRequest{
		InstanceID:    c.Param("id"),
		EntityVersion: body.EntityVersion,
		Entity:        body.Entity,
		Actor:         body.Actor,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) cancelInstance(c *gin.Context) {
	var body cancelRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	inst, err := s.engine.CancelInstance(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) getProjection(c *gin.Context) {
	rebuilt, live, err := s.engine.Rebuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectionResponse{Rebuilt: rebuilt, Live: live, Match: rebuilt.Equal(live)})
}

// checkEditWindow answers 200 either way; a disallowed verb is a normal
// answer, not a failure of the request.
func (s *Server) checkEditWindow(c *gin.Context) {
	var body editWindowRequest
	if !bindJSON(c, &body) {
		return
	}
	window, err := s.engine.CheckEditWindow(c.Request.Context(), c.Param("id"), body.Verb)
	res := editWindowResponse{Window: window, Verb: body.Verb, Allowed: err == nil}
	if err != nil {
		var ee *engine.EngineError
		if !errors.As(err, &ee) || ee.Code != engine.ErrCodeEditWindow {
			s.writeError(c, err)
			return
		}
		res.Reason = ee.Message
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resumeEvent(c *gin.Context) {
	var payload map[string]any
	if c.Request.ContentLength > 0 && !bindJSON(c, &payload) {
		return
	}
	n, err := s.resume.ResumeByEventKey(c.Request.Context(), c.Param("key"), payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_key": c.Param("key"), "resumed": n})
}
