package video

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/repository/memory"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/internal/service/signaling"
	"teleconsult-backend/internal/service/video"
)

var testNow = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type fixture struct {
	router *gin.Engine
	repo   *memory.CallRepository
	broker *signaling.Broker
	svc    *video.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewMock()
	clk.Set(testNow)

	repo := memory.NewCallRepository()
	broker := signaling.NewBroker(repo, chat.NewStore(nil, 0, clk), nil, nil, clk)
	t.Cleanup(broker.Shutdown)

	svc := video.NewService(repo, clk).WithTerminator(func() (video.Terminator, error) {
		return broker, nil
	})

	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))

	return &fixture{router: router, repo: repo, broker: broker, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func (f *fixture) schedule(t *testing.T, doctor, patient string, at time.Time, duration int) *domain.Call {
	t.Helper()
	code, resp := f.do(t, http.MethodPost, "/v1/calls/schedule", gin.H{
		"doctorId":    doctor,
		"patientId":   patient,
		"scheduledAt": at.Format(time.RFC3339),
		"duration":    duration,
	})
	require.Equal(t, http.StatusCreated, code)

	var data struct {
		CallDetails *domain.Call `json:"callDetails"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	return data.CallDetails
}

func TestScheduleCall(t *testing.T) {
	f := newFixture(t)

	call := f.schedule(t, "doc-1", "pat-1", testNow.Add(30*time.Minute), 30)
	assert.True(t, strings.HasPrefix(call.RoomID, "vc-"))
	assert.Equal(t, domain.CallStatusScheduled, call.Status)

	stored, err := f.repo.GetByRoomID(context.Background(), call.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", stored.DoctorID)
}

func TestScheduleCallMissingFields(t *testing.T) {
	f := newFixture(t)

	code, resp := f.do(t, http.MethodPost, "/v1/calls/schedule", gin.H{"doctorId": "doc-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Missing required fields", resp.Error.Message)
}

func TestGetCall(t *testing.T) {
	f := newFixture(t)
	call := f.schedule(t, "doc-1", "pat-1", testNow, 15)

	code, resp := f.do(t, http.MethodGet, "/v1/calls/"+call.RoomID, nil)
	require.Equal(t, http.StatusOK, code)

	var got domain.Call
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, call.RoomID, got.RoomID)

	code, resp = f.do(t, http.MethodGet, "/v1/calls/vc-unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "CALL_NOT_FOUND", resp.Error.Code)
}

func TestJoinCall(t *testing.T) {
	f := newFixture(t)
	call := f.schedule(t, "doc-1", "pat-1", testNow, 15)

	code, resp := f.do(t, http.MethodPost, "/v1/calls/join", gin.H{"roomId": call.RoomID, "userId": "pat-1"})
	require.Equal(t, http.StatusOK, code)

	var out video.JoinCallOutput
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.NotEmpty(t, out.Token)

	// The pre-join check never starts the call
	stored, err := f.repo.GetByRoomID(context.Background(), call.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusScheduled, stored.Status)

	code, resp = f.do(t, http.MethodPost, "/v1/calls/join", gin.H{"roomId": call.RoomID, "userId": "intruder"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_PARTICIPANT", resp.Error.Code)

	code, _ = f.do(t, http.MethodPost, "/v1/calls/join", gin.H{"roomId": call.RoomID})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEndCall(t *testing.T) {
	f := newFixture(t)
	call := f.schedule(t, "doc-1", "pat-1", testNow, 15)

	code, resp := f.do(t, http.MethodPost, "/v1/calls/end", gin.H{"roomId": call.RoomID})
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Call domain.CallEnded `json:"call"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, domain.EndReasonManualTermination, data.Call.Reason)
	assert.Equal(t, testNow, data.Call.EndedAt)

	stored, err := f.repo.GetByRoomID(context.Background(), call.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, stored.Status)

	code, _ = f.do(t, http.MethodPost, "/v1/calls/end", gin.H{"roomId": "vc-unknown"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/v1/calls/end", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEndCallBrokerUnavailable(t *testing.T) {
	f := newFixture(t)
	call := f.schedule(t, "doc-1", "pat-1", testNow, 15)
	f.svc.WithTerminator(func() (video.Terminator, error) {
		return nil, signaling.ErrBrokerNotInitialized
	})

	code, resp := f.do(t, http.MethodPost, "/v1/calls/end", gin.H{"roomId": call.RoomID})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SIGNALING_UNAVAILABLE", resp.Error.Code)

	stored, err := f.repo.GetByRoomID(context.Background(), call.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusScheduled, stored.Status)
}

func TestGetUpcomingCalls(t *testing.T) {
	f := newFixture(t)
	later := f.schedule(t, "doc-1", "pat-1", testNow.Add(2*time.Hour), 30)
	sooner := f.schedule(t, "doc-1", "pat-2", testNow.Add(time.Hour), 30)
	f.schedule(t, "doc-1", "pat-3", testNow.Add(-time.Hour), 30)
	f.schedule(t, "doc-2", "pat-1", testNow.Add(time.Hour), 30)

	code, resp := f.do(t, http.MethodGet, "/v1/calls/upcoming/doc-1", nil)
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Calls []*domain.Call `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Calls, 2)
	assert.Equal(t, sooner.RoomID, data.Calls[0].RoomID)
	assert.Equal(t, later.RoomID, data.Calls[1].RoomID)
}
