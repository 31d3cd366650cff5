package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallHandler exposes the local call controls of a client over HTTP.
type CallHandler struct {
	calls           ports.CallService
	maxParticipants int
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)

func NewCallHandler(calls ports.CallService, maxParticipants int) *CallHandler {
	return &CallHandler{
		calls:           calls,
		maxParticipants: maxParticipants,
	}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/calls")
	{
		api.POST("", h.InitiateCall)
		api.GET("/current", h.CurrentCall)
		api.GET("/incoming", h.IncomingCalls)
		api.POST("/:id/accept", h.AcceptCall)
		api.POST("/:id/reject", h.RejectCall)
		api.POST("/end", h.EndCall)

		api.POST("/media/:kind/toggle", h.ToggleMedia)
		api.POST("/video", h.SwitchToVideo)
		api.POST("/screen-share", h.StartScreenShare)
		api.DELETE("/screen-share", h.StopScreenShare)
	}
}

type InitiateCallRequest struct {
	ConversationID string   `json:"conversationId" binding:"required,max=128"`
	CallType       string   `json:"callType" binding:"required,oneof=audio video"`
	ParticipantIDs []string `json:"participantIds" binding:"required,min=1"`
}

type participantView struct {
	UserID          domain.UserID `json:"userId"`
	Username        string        `json:"username"`
	AvatarURL       string        `json:"avatarUrl,omitempty"`
	IsAudioEnabled  bool          `json:"isAudioEnabled"`
	IsVideoEnabled  bool          `json:"isVideoEnabled"`
	IsScreenSharing bool          `json:"isScreenSharing"`
	HasStream       bool          `json:"hasStream"`
}

type callView struct {
	ID              domain.CallID         `json:"id"`
	ConversationID  domain.ConversationID `json:"conversationId"`
	Type            domain.CallType       `json:"type"`
	Status          domain.CallStatus     `json:"status"`
	InitiatorID     domain.UserID         `json:"initiatorId"`
	Pending         bool                  `json:"pending"`
	IsAudioEnabled  bool                  `json:"isAudioEnabled"`
	IsVideoEnabled  bool                  `json:"isVideoEnabled"`
	IsScreenSharing bool                  `json:"isScreenSharing"`
	Participants    []participantView     `json:"participants"`
	CreatedAt       int64                 `json:"createdAt"`
	StartedAt       int64                 `json:"startedAt,omitempty"`
	Duration        string                `json:"duration"`
}

type incomingView struct {
	CallID         domain.CallID         `json:"callId"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Type           domain.CallType       `json:"type"`
	CallerID       domain.UserID         `json:"callerId"`
	CallerName     string                `json:"callerName"`
	ReceivedAt     int64                 `json:"receivedAt"`
}

func newCallView(call *domain.Call, duration time.Duration) callView {
	view := callView{
		ID:              call.ID,
		ConversationID:  call.ConversationID,
		Type:            call.Type,
		Status:          call.Status,
		InitiatorID:     call.InitiatorID,
		Pending:         call.ID.IsPending(),
		IsAudioEnabled:  call.IsAudioEnabled,
		IsVideoEnabled:  call.IsVideoEnabled,
		IsScreenSharing: call.IsScreenSharing,
		Participants:    make([]participantView, 0, len(call.Participants)),
		CreatedAt:       utils.UnixSeconds(call.CreatedAt),
		StartedAt:       utils.UnixSeconds(call.StartedAt),
		Duration:        utils.FormatDuration(duration),
	}
	for _, p := range call.Participants {
		view.Participants = append(view.Participants, participantView{
			UserID:          p.UserID,
			Username:        p.Username,
			AvatarURL:       p.AvatarURL,
			IsAudioEnabled:  p.IsAudioEnabled,
			IsVideoEnabled:  p.IsVideoEnabled,
			IsScreenSharing: p.IsScreenSharing,
			HasStream:       p.Stream != nil,
		})
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return view.Participants[i].UserID < view.Participants[j].UserID
	})
	return view
}

func (h *CallHandler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateIdentifier(req.ConversationID, "conversationId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateParticipants(req.ParticipantIDs, "", h.maxParticipants); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	participants := make([]domain.UserID, len(req.ParticipantIDs))
	for i, id := range req.ParticipantIDs {
		participants[i] = domain.UserID(id)
	}

	call, err := h.calls.InitiateCall(c.Request.Context(), domain.ConversationID(req.ConversationID), domain.CallType(req.CallType), participants)
	if err != nil {
		c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"call": newCallView(call, 0),
	})
}

func (h *CallHandler) AcceptCall(c *gin.Context) {
	callID := domain.CallID(c.Param("id"))
	if err := validation.ValidateIdentifier(string(callID), "call id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.calls.AcceptCall(c.Request.Context(), callID); err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondCurrent(c, http.StatusOK)
}

func (h *CallHandler) RejectCall(c *gin.Context) {
	callID := domain.CallID(c.Param("id"))
	if err := validation.ValidateIdentifier(string(callID), "call id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.calls.RejectCall(c.Request.Context(), callID); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) ToggleMedia(c *gin.Context) {
	var (
		enabled bool
		err     error
	)
	switch kind := domain.MediaKind(c.Param("kind")); kind {
	case domain.MediaKindAudio:
		enabled, err = h.calls.ToggleAudio(c.Request.Context())
	case domain.MediaKindVideo:
		enabled, err = h.calls.ToggleVideo(c.Request.Context())
	default:
		c.Error(apperrors.NewInvalidInputError("media kind must be audio or video").WithContext("kind", kind))
		return
	}
	if err != nil {
		c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":    c.Param("kind"),
		"enabled": enabled,
	})
}

func (h *CallHandler) SwitchToVideo(c *gin.Context) {
	if err := h.calls.SwitchToVideo(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondCurrent(c, http.StatusOK)
}

func (h *CallHandler) StartScreenShare(c *gin.Context) {
	if err := h.calls.StartScreenShare(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondCurrent(c, http.StatusOK)
}

func (h *CallHandler) StopScreenShare(c *gin.Context) {
	if err := h.calls.StopScreenShare(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondCurrent(c, http.StatusOK)
}

func (h *CallHandler) CurrentCall(c *gin.Context) {
	h.respondCurrent(c, http.StatusOK)
}

func (h *CallHandler) IncomingCalls(c *gin.Context) {
	pending := h.calls.PendingIncoming()
	views := make([]incomingView, 0, len(pending))
	for _, in := range pending {
		views = append(views, incomingView{
			CallID:         in.CallID,
			ConversationID: in.ConversationID,
			Type:           in.Type,
			CallerID:       in.Caller.ID,
			CallerName:     in.Caller.Username,
			ReceivedAt:     utils.UnixSeconds(in.ReceivedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"incoming": views,
	})
}

func (h *CallHandler) respondCurrent(c *gin.Context, status int) {
	call := h.calls.CurrentCall()
	if call == nil {
		c.Error(apperrors.NewNotFoundError("active call"))
		return
	}
	c.JSON(status, gin.H{
		"call": newCallView(call, h.calls.CallDuration()),
	})
}

// toAppError maps call control failures onto HTTP semantics.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrNoActiveCall), errors.Is(err, domain.ErrCallNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrCallInProgress), errors.Is(err, domain.ErrCallPending):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidCallType), errors.Is(err, domain.ErrInvalidPayload):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrSignalingDisconnected):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "signaling relay unreachable", http.StatusServiceUnavailable)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "call operation failed", http.StatusInternalServerError)
	}
}
