package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/store"
)

// maxScanBytes bounds one evaluator batch
const maxScanBytes = 32 << 20

func (s *Server) ingest(c *gin.Context) {
	source := models.Source(c.Param("source"))
	if !source.Valid() {
		badRequest(c, fmt.Errorf("unknown source %q", source))
		return
	}
	target := c.Query("target")
	if target == "" {
		badRequest(c, fmt.Errorf("target query parameter is required"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxScanBytes+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(raw) > maxScanBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "scan batch too large"})
		return
	}

	rep, err := s.engine.Ingest(c.Request.Context(), source, target, raw)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) listViolations(c *gin.Context) {
	vs, err := s.engine.Store.ListViolations(c.Request.Context(), store.ViolationFilter{
		Source:   models.Source(c.Query("source")),
		Target:   c.Query("target"),
		RuleID:   c.Query("rule_id"),
		OpenOnly: c.Query("open") == "true",
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": vs})
}

func (s *Server) listProposals(c *gin.Context) {
	f := store.ProposalFilter{ViolationID: c.Query("violation_id")}
	for _, st := range c.QueryArray("state") {
		for _, part := range strings.Split(st, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.States = append(f.States, models.ProposalState(part))
			}
		}
	}
	ps, err := s.engine.Machine.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": ps})
}

func (s *Server) getProposal(c *gin.Context) {
	p, err := s.engine.Machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) proposalHistory(c *gin.Context) {
	entries, err := s.engine.Ledger.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type approveRequest struct {
	Approver string `json:"approver"`
}

type actionRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.engine.Machine.Approve(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) reject(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.engine.Machine.Reject(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) cancel(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.engine.Machine.Cancel(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listRollouts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rollouts": s.engine.Rollouts.List()})
}

func (s *Server) getRollout(c *gin.Context) {
	env, err := models.ParseEnvironment(c.Param("env"))
	if err != nil {
		badRequest(c, err)
		return
	}
	r, ok := s.engine.Rollouts.Get(c.Param("policy"), env)
	if !ok {
		s.fail(c, fmt.Errorf("rollout %s: %w", models.RolloutKey(c.Param("policy"), env), models.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, r)
}

type registerRequest struct {
	PolicyID      string                `json:"policy_id" binding:"required"`
	Environment   string                `json:"environment" binding:"required"`
	PromotionRule *models.PromotionRule `json:"promotion_rule"`
	Actor         string                `json:"actor"`
}

func (s *Server) registerRollout(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	env, err := models.ParseEnvironment(req.Environment)
	if err != nil {
		badRequest(c, err)
		return
	}
	r, err := s.engine.Rollouts.Register(c.Request.Context(), req.PolicyID, env, req.PromotionRule, req.Actor)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) promote(c *gin.Context) {
	s.stageAction(c, false)
}

func (s *Server) rollback(c *gin.Context) {
	s.stageAction(c, true)
}

func (s *Server) stageAction(c *gin.Context, back bool) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	env, err := models.ParseEnvironment(c.Param("env"))
	if err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	policy := c.Param("policy")
	if back {
		ch, err := s.engine.Rollouts.Rollback(ctx, policy, env, req.Actor, req.Reason)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
		return
	}
	ch, err := s.engine.Rollouts.Promote(ctx, policy, env, req.Actor)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// parseLedgerQuery reads from/to as RFC 3339 or day=YYYY-MM-DD
func parseLedgerQuery(c *gin.Context) (ledger.Query, error) {
	q := ledger.Query{
		Severity:    models.Severity(strings.ToUpper(c.Query("severity"))),
		Decision:    models.Decision(strings.ToUpper(c.Query("decision"))),
		Resource:    c.Query("resource"),
		ProposalID:  c.Query("proposal_id"),
		ViolationID: c.Query("violation_id"),
		PolicyID:    c.Query("policy_id"),
	}
	for _, k := range c.QueryArray("kind") {
		q.Kinds = append(q.Kinds, models.ActivityKind(k))
	}
	if day := c.Query("day"); day != "" {
		d, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return q, fmt.Errorf("day: %w", err)
		}
		q.From, q.To = d, d.AddDate(0, 0, 1)
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, fmt.Errorf("%s: %w", name, err)
			}
			*dst = t
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) queryLedger(c *gin.Context) {
	q, err := parseLedgerQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	if c.Query("format") == "jsonl" {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		if _, err := s.engine.Ledger.Export(c.Request.Context(), ledger.NewWriter(c.Writer), q); err != nil {
			s.log.Error(component, "ledger export failed", "error", err)
		}
		return
	}
	entries, err := s.engine.Ledger.Query(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) verifyLedger(c *gin.Context) {
	if err := s.engine.Ledger.Verify(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": s.engine.Ledger.Len()})
}

func (s *Server) table(c *gin.Context) {
	t := s.engine.Classifier.Table()
	if t == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no decision table loaded"})
		return
	}
	c.JSON(http.StatusOK, t.Table())
}
