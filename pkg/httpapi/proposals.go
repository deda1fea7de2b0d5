package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastfabric/kernel/pkg/command"
)

// proposalRoutes registers the Command Proposal Service HTTP surface.
func (s *Server) proposalRoutes(rg *gin.RouterGroup) {
	rg.POST("/proposals", s.proposeCommand)
	rg.POST("/proposals/:id/approve", s.approveProposal)
	rg.POST("/proposals/:id/reject", s.rejectProposal)
	rg.POST("/execute/:proposalId", s.executeProposal)
	rg.POST("/abort/:proposalId", s.abortProposal)
	rg.GET("/proposals/pending", s.listPendingProposals)
}

type proposeCommandRequest struct {
	Command                command.Command `json:"command" binding:"required"`
	ProposedBy             string          `json:"proposedBy" binding:"required"`
	Reasoning              string          `json:"reasoning"`
	ApprovalRequired       bool            `json:"approvalRequired"`
	ApprovalTimeoutSeconds int             `json:"approvalTimeoutSeconds"`
}

func (s *Server) proposeCommand(c *gin.Context) {
	var req proposeCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposal, err := s.commands.Propose(c.Request.Context(), command.ProposeRequest{
		Command:                req.Command,
		ProposedBy:             command.ProposedBy(req.ProposedBy),
		Reasoning:              req.Reasoning,
		ApprovalRequired:       req.ApprovalRequired,
		ApprovalTimeoutSeconds: req.ApprovalTimeoutSeconds,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proposal)
}

type decisionRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) approveProposal(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proposal, err := s.commands.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (s *Server) rejectProposal(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proposal, err := s.commands.Reject(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (s *Server) executeProposal(c *gin.Context) {
	proposal, err := s.commands.ExecuteApprovedCommand(c.Request.Context(), c.Param("proposalId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (s *Server) abortProposal(c *gin.Context) {
	proposal, err := s.commands.AbortCommand(c.Request.Context(), c.Param("proposalId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (s *Server) listPendingProposals(c *gin.Context) {
	proposals, err := s.commands.ListPending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if proposals == nil {
		proposals = []*command.CommandProposal{}
	}
	c.JSON(http.StatusOK, proposals)
}
