package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/escalation-service/internal/api/dto"
	"github.com/spec-kit/escalation-service/internal/auth"
	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/escalation"
	"github.com/spec-kit/escalation-service/internal/repository"
)

// EscalationHandler exposes the escalation and issue synchronization
// endpoints for a ticket.
type EscalationHandler struct {
	orchestrator *escalation.Orchestrator
	history      repository.HistoryRepository
}

// NewEscalationHandler constructs handler.
func NewEscalationHandler(orchestrator *escalation.Orchestrator, history repository.HistoryRepository) *EscalationHandler {
	return &EscalationHandler{orchestrator: orchestrator, history: history}
}

// Escalate handles POST /api/v1/tickets/:id/escalate.
func (h *EscalationHandler) Escalate(c *fiber.Ctx) error {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}

	result, err := h.orchestrator.Escalate(c.UserContext(), ticketID, principal.User)
	if err != nil {
		return err
	}

	resp := dto.EscalateResponse{
		TicketID:        ticketID,
		IssueID:         result.Issue.ID(),
		IssueStatusID:   result.Issue.StatusID(),
		RemoteUpdatedAt: result.Issue.UpdatedOn(),
	}
	if result.Warning != nil {
		resp.Warning = result.Warning.Error()
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": resp})
}

// RelayComment handles POST /api/v1/tickets/:id/issue/comments.
func (h *EscalationHandler) RelayComment(c *fiber.Ctx) error {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}

	var req dto.CommentRelayRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Content) == "" {
		return fiber.NewError(http.StatusBadRequest, "content required")
	}

	comment := domain.Comment{
		TicketID:  ticketID,
		OwnerID:   principal.User.ID,
		OwnerName: principal.User.Name,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := h.orchestrator.RelayComment(c.UserContext(), ticketID, comment); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// SyncAttachments handles POST /api/v1/tickets/:id/issue/attachments/sync.
func (h *EscalationHandler) SyncAttachments(c *fiber.Ctx) error {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	if err := h.orchestrator.SyncAttachments(c.UserContext(), ticketID); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// History handles GET /api/v1/tickets/:id/history.
func (h *EscalationHandler) History(c *fiber.Ctx) error {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	entries, err := h.history.ListByTicket(c.UserContext(), ticketID, limit, offset)
	if err != nil {
		return err
	}

	resp := make([]dto.HistoryEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, dto.HistoryEntryResponse{
			ID:         entry.ID,
			ChangeType: string(entry.ChangeType),
			OldValue:   entry.OldValue,
			NewValue:   entry.NewValue,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"data": resp})
}

func ticketIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid ticket id")
	}
	return id, nil
}
