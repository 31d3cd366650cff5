package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/middleware"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockCallService struct {
	mock.Mock
}

func (m *mockCallService) InitiateCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType, participantIDs []domain.UserID) (*domain.Call, error) {
	args := m.Called(conversationID, callType, participantIDs)
	call, _ := args.Get(0).(*domain.Call)
	return call, args.Error(1)
}

func (m *mockCallService) AcceptCall(ctx context.Context, callID domain.CallID) error {
	return m.Called(callID).Error(0)
}

func (m *mockCallService) RejectCall(ctx context.Context, callID domain.CallID) error {
	return m.Called(callID).Error(0)
}

func (m *mockCallService) EndCall(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCallService) ToggleAudio(ctx context.Context) (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *mockCallService) ToggleVideo(ctx context.Context) (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *mockCallService) SwitchToVideo(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCallService) StartScreenShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCallService) StopScreenShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCallService) CurrentCall() *domain.Call {
	call, _ := m.Called().Get(0).(*domain.Call)
	return call
}

func (m *mockCallService) PendingIncoming() []domain.IncomingCall {
	incoming, _ := m.Called().Get(0).([]domain.IncomingCall)
	return incoming
}

func (m *mockCallService) CallDuration() time.Duration {
	return m.Called().Get(0).(time.Duration)
}

func newTestRouter(t *testing.T, svc *mockCallService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewCallHandler(svc, 4).SetupRoutes(router)
	return router
}

func doRequest(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func activeCall() *domain.Call {
	return &domain.Call{
		ID:             "call-1",
		ConversationID: "conv-1",
		Type:           domain.CallTypeVideo,
		InitiatorID:    "alice",
		Status:         domain.CallStatusActive,
		IsAudioEnabled: true,
		IsVideoEnabled: true,
		Participants: map[domain.UserID]*domain.Participant{
			"carol": {UserID: "carol", Username: "Carol"},
			"alice": {UserID: "alice", Username: "Alice", IsAudioEnabled: true},
			"bob":   {UserID: "bob", Username: "Bob", Stream: &domain.RemoteStream{}},
		},
		CreatedAt: time.Unix(1700000000, 0),
		StartedAt: time.Unix(1700000005, 0),
	}
}

func TestCallHandler_InitiateCall(t *testing.T) {
	svc := &mockCallService{}
	pending := &domain.Call{ID: domain.PendingCallID, ConversationID: "conv-1", Type: domain.CallTypeAudio, Status: domain.CallStatusOutgoing}
	svc.On("InitiateCall", domain.ConversationID("conv-1"), domain.CallTypeAudio, []domain.UserID{"bob"}).Return(pending, nil)
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/api/v1/calls", InitiateCallRequest{
		ConversationID: "conv-1",
		CallType:       "audio",
		ParticipantIDs: []string{"bob"},
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Call callView `json:"call"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Call.Pending)
	assert.Equal(t, domain.CallStatusOutgoing, resp.Call.Status)
	svc.AssertExpectations(t)
}

func TestCallHandler_InitiateCall_Invalid(t *testing.T) {
	router := newTestRouter(t, &mockCallService{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"unknown call type", InitiateCallRequest{ConversationID: "conv-1", CallType: "hologram", ParticipantIDs: []string{"bob"}}},
		{"no participants", InitiateCallRequest{ConversationID: "conv-1", CallType: "audio"}},
		{"too many participants", InitiateCallRequest{ConversationID: "conv-1", CallType: "audio", ParticipantIDs: []string{"a", "b", "c", "d", "e"}}},
		{"bad conversation id", InitiateCallRequest{ConversationID: "conv 1", CallType: "audio", ParticipantIDs: []string{"bob"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/api/v1/calls", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCallHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"busy", domain.ErrCallInProgress, http.StatusConflict},
		{"device busy", apperrors.NewMediaError(apperrors.ErrCodeDeviceInUse, nil), http.StatusConflict},
		{"permission", apperrors.NewMediaError(apperrors.ErrCodePermissionDenied, nil), http.StatusForbidden},
		{"relay down", domain.ErrSignalingDisconnected, http.StatusServiceUnavailable},
		{"unknown call", domain.ErrCallNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCallService{}
			svc.On("AcceptCall", domain.CallID("call-9")).Return(tt.err)
			router := newTestRouter(t, svc)

			w := doRequest(router, http.MethodPost, "/api/v1/calls/call-9/accept", nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCallHandler_AcceptReturnsCall(t *testing.T) {
	svc := &mockCallService{}
	svc.On("AcceptCall", domain.CallID("call-1")).Return(nil)
	svc.On("CurrentCall").Return(activeCall())
	svc.On("CallDuration").Return(65 * time.Second)
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/api/v1/calls/call-1/accept", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Call callView `json:"call"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.CallID("call-1"), resp.Call.ID)
	assert.Equal(t, "1:05", resp.Call.Duration)
	require.Len(t, resp.Call.Participants, 3)
	assert.Equal(t, domain.UserID("alice"), resp.Call.Participants[0].UserID)
	assert.True(t, resp.Call.Participants[1].HasStream)
	assert.Equal(t, int64(1700000005), resp.Call.StartedAt)
}

func TestCallHandler_ToggleMedia(t *testing.T) {
	svc := &mockCallService{}
	svc.On("ToggleAudio").Return(false, nil)
	svc.On("ToggleVideo").Return(false, domain.ErrNoActiveCall)
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/api/v1/calls/media/audio/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["enabled"])

	w = doRequest(router, http.MethodPost, "/api/v1/calls/media/video/toggle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/calls/media/smell/toggle", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallHandler_EndAndScreenShare(t *testing.T) {
	svc := &mockCallService{}
	svc.On("EndCall").Return(nil)
	svc.On("StartScreenShare").Return(nil)
	svc.On("StopScreenShare").Return(domain.ErrNoActiveCall)
	svc.On("CurrentCall").Return(activeCall())
	svc.On("CallDuration").Return(time.Duration(0))
	router := newTestRouter(t, svc)

	assert.Equal(t, http.StatusNoContent, doRequest(router, http.MethodPost, "/api/v1/calls/end", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/api/v1/calls/screen-share", nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodDelete, "/api/v1/calls/screen-share", nil).Code)
	svc.AssertExpectations(t)
}

func TestCallHandler_CurrentCallWhenIdle(t *testing.T) {
	svc := &mockCallService{}
	svc.On("CurrentCall").Return(nil)
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodGet, "/api/v1/calls/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallHandler_IncomingCalls(t *testing.T) {
	svc := &mockCallService{}
	svc.On("PendingIncoming").Return([]domain.IncomingCall{{
		CallID:         "call-7",
		ConversationID: "conv-2",
		Type:           domain.CallTypeVideo,
		Caller:         domain.User{ID: "dave", Username: "Dave"},
		ReceivedAt:     time.Unix(1700000100, 0),
	}})
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodGet, "/api/v1/calls/incoming", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Incoming []incomingView `json:"incoming"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Incoming, 1)
	assert.Equal(t, domain.UserID("dave"), resp.Incoming[0].CallerID)
}
