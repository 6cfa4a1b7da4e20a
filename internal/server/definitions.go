package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/dsl"
)

type (
	publishRequest struct {
		compiler.Document
		OrgID string `json:"org_id,omitempty"`
	}

	validateResponse struct {
		Valid  bool                       `json:"valid"`
		Order  []string                   `json:"order,omitempty"`
		Errors []compiler.ValidationError `json:"errors"`
	}

	evaluateRequest struct {
		Expression string         `json:"expression" binding:"required"`
		Entity     map[string]any `json:"entity,omitempty"`
		Context    map[string]any `json:"context,omitempty"`
		Actor      map[string]any `json:"actor,omitempty"`
		Tokens     map[string]any `json:"tokens,omitempty"`
	}

	evaluateResponse struct {
		Result    any  `json:"result"`
		Undefined bool `json:"undefined,omitempty"`
	}
)

func (s *Server) handleCompile(c *gin.Context) {
	var doc compiler.Document
	if !bindJSON(c, &doc) {
		return
	}
	compiled, err := doc.Compile()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, compiled)
}

// handleValidate reports structural problems without failing the request:
// the DAG check first, then the slot patches through a full compile.
func (s *Server) handleValidate(c *gin.Context) {
	var doc compiler.Document
	if !bindJSON(c, &doc) {
		return
	}

	res := validateResponse{Errors: []compiler.ValidationError{}}
	dag := compiler.ValidateDAG(doc.Envelope.Nodes, doc.Envelope.Edges)
	if !dag.Valid {
		res.Errors = append(res.Errors, dag.Errors...)
		c.JSON(http.StatusOK, res)
		return
	}

	compiled, err := doc.Compile()
	if err != nil {
		var ce compiler.CompileErrors
		if errors.As(err, &ce) {
			res.Errors = append(res.Errors, ce...)
			c.JSON(http.StatusOK, res)
			return
		}
		s.writeError(c, err)
		return
	}
	res.Valid = true
	res.Order = compiled.TopologicalOrder
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := dsl.ValidateSafety(req.Expression); err != nil {
		s.writeError(c, err)
		return
	}
	v, err := dsl.Evaluate(req.Expression, &dsl.Env{
		Entity:  req.Entity,
		Context: req.Context,
		Actor:   req.Actor,
		Tokens:  req.Tokens,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if v == dsl.Undefined {
		c.JSON(http.StatusOK, evaluateResponse{Undefined: true})
		return
	}
	c.JSON(http.StatusOK, evaluateResponse{Result: v})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if !bindJSON(c, &req) {
		return
	}
	compiled, err := req.Compile()
	if err != nil {
		s.writeError(c, err)
		return
	}
	def, err := s.engine.PublishDefinition(c.Request.Context(), s.org(req.OrgID), compiled)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}
