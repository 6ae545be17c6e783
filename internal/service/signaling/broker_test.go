package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/repository/memory"
	"teleconsult-backend/internal/room"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/internal/timer"
	"teleconsult-backend/pkg/cache"
)

var epoch = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

// testPeer records every frame it is sent
type testPeer struct {
	id     string
	mu     sync.Mutex
	frames []domain.Envelope
}

func newPeer(id string) *testPeer { return &testPeer{id: id} }

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Send(frame []byte) bool {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.frames = append(p.frames, env)
	p.mu.Unlock()
	return true
}

func (p *testPeer) events(name string) []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Envelope
	for _, f := range p.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

// countingRepo counts successful status transitions of the wrapped store
type countingRepo struct {
	*memory.CallRepository
	started   atomic.Int32
	completed atomic.Int32
}

func (r *countingRepo) MarkOngoing(ctx context.Context, roomID string, at time.Time) (bool, error) {
	ok, err := r.CallRepository.MarkOngoing(ctx, roomID, at)
	if ok {
		r.started.Add(1)
	}
	return ok, err
}

func (r *countingRepo) Complete(ctx context.Context, roomID string, endedAt time.Time) (*domain.Call, bool, error) {
	call, ok, err := r.CallRepository.Complete(ctx, roomID, endedAt)
	if ok {
		r.completed.Add(1)
	}
	return call, ok, err
}

// mockCallRepo is a testify mock of CallRepository
type mockCallRepo struct {
	mock.Mock
}

func (m *mockCallRepo) GetByRoomID(ctx context.Context, roomID string) (*domain.Call, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *mockCallRepo) MarkOngoing(ctx context.Context, roomID string, at time.Time) (bool, error) {
	args := m.Called(ctx, roomID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockCallRepo) Complete(ctx context.Context, roomID string, endedAt time.Time) (*domain.Call, bool, error) {
	args := m.Called(ctx, roomID, endedAt)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Call), args.Bool(1), args.Error(2)
}

type fixture struct {
	clk    *clock.Mock
	repo   *countingRepo
	broker *Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	repo := &countingRepo{CallRepository: memory.NewCallRepository()}
	store := chat.NewStore(cache.NewLocalCache(time.Minute, time.Minute), time.Minute, clk)
	b := NewBroker(repo, store, room.NewRegistry(), timer.NewManager(clk), clk)
	t.Cleanup(b.Shutdown)
	return &fixture{clk: clk, repo: repo, broker: b}
}

func (f *fixture) schedule(t *testing.T, roomID string, at time.Time, minutes int) {
	t.Helper()
	require.NoError(t, f.repo.Create(context.Background(), &domain.Call{
		RoomID:      roomID,
		DoctorID:    "doc-1",
		PatientID:   "pat-1",
		ScheduledAt: at,
		Duration:    minutes,
		Status:      domain.CallStatusScheduled,
		CreatedAt:   at,
		UpdatedAt:   at,
	}))
}

func (f *fixture) join(t *testing.T, p *testPeer, roomID, userID, userType string) {
	t.Helper()
	require.NoError(t, f.broker.JoinVideoCall(context.Background(), p, domain.JoinVideoCall{
		RoomID: roomID, UserID: userID, UserType: userType,
	}))
}

func (f *fixture) status(t *testing.T, roomID string) domain.CallStatus {
	t.Helper()
	call, err := f.repo.GetByRoomID(context.Background(), roomID)
	require.NoError(t, err)
	return call.Status
}

func decodeEnded(t *testing.T, env domain.Envelope) domain.CallEnded {
	t.Helper()
	var ended domain.CallEnded
	require.NoError(t, json.Unmarshal(env.Data, &ended))
	return ended
}

func TestBroker_TwoParticipantsJoin(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	doctor, patient := newPeer("doctor"), newPeer("patient")

	f.join(t, doctor, "vc-1", "doc-1", domain.UserTypeDoctor)
	f.join(t, patient, "vc-1", "pat-1", domain.UserTypePatient)

	assert.Equal(t, domain.CallStatusOngoing, f.status(t, "vc-1"))
	assert.Equal(t, int32(1), f.repo.started.Load())
	assert.Equal(t, 1, f.broker.Timers().Len())

	due, ok := f.broker.Timers().Deadline("vc-1")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*time.Minute), due)

	joined := doctor.events(domain.EventUserJoined)
	require.Len(t, joined, 1)
	assert.JSONEq(t, `{"userId":"pat-1","userType":"patient","roomId":"vc-1"}`, string(joined[0].Data))
	assert.Empty(t, patient.events(domain.EventUserJoined))
	assert.Equal(t, 2, f.broker.Rooms().Size("vc-1"))
}

func TestBroker_TimerFiresAtScheduledEnd(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 1)
	doctor, patient := newPeer("doctor"), newPeer("patient")
	f.join(t, doctor, "vc-1", "doc-1", domain.UserTypeDoctor)
	f.join(t, patient, "vc-1", "pat-1", domain.UserTypePatient)

	f.clk.Add(59 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, domain.CallStatusOngoing, f.status(t, "vc-1"))
	assert.Empty(t, doctor.events(domain.EventCallEnded))

	f.clk.Add(time.Second)
	assert.Eventually(t, func() bool {
		return f.status(t, "vc-1") == domain.CallStatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(patient.events(domain.EventCallEnded)) == 1
	}, time.Second, 5*time.Millisecond)

	require.Len(t, doctor.events(domain.EventCallEnded), 1)
	ended := decodeEnded(t, doctor.events(domain.EventCallEnded)[0])
	assert.Equal(t, "vc-1", ended.RoomID)
	assert.Equal(t, domain.EndReasonTimerExpired, ended.Reason)
	assert.Equal(t, 1, ended.Duration)
	assert.True(t, ended.EndedAt.Equal(epoch.Add(time.Minute)))

	call, err := f.repo.GetByRoomID(context.Background(), "vc-1")
	require.NoError(t, err)
	require.NotNil(t, call.EndedAt)
	assert.True(t, call.EndedAt.Equal(epoch.Add(time.Minute)))
	assert.Equal(t, 0, f.broker.Timers().Len())
}

func TestBroker_JoinAfterWindowArmsNothing(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch.Add(-2*time.Minute), 1)

	f.join(t, newPeer("doctor"), "vc-1", "doc-1", domain.UserTypeDoctor)

	assert.Equal(t, domain.CallStatusOngoing, f.status(t, "vc-1"))
	assert.Equal(t, 0, f.broker.Timers().Len())
}

func TestBroker_EndBeforeExpiryCancelsTimer(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	doctor := newPeer("doctor")
	f.join(t, doctor, "vc-1", "doc-1", domain.UserTypeDoctor)
	require.True(t, f.broker.Timers().Armed("vc-1"))

	f.clk.Add(5 * time.Minute)
	ended, err := f.broker.EndCall(context.Background(), "vc-1", domain.EndReasonManualTermination)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonManualTermination, ended.Reason)
	assert.False(t, f.broker.Timers().Armed("vc-1"))

	f.clk.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(1), f.repo.completed.Load())
	frames := doctor.events(domain.EventCallEnded)
	require.Len(t, frames, 1)
	assert.Equal(t, domain.EndReasonManualTermination, decodeEnded(t, frames[0]).Reason)
}

func TestBroker_TerminationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	doctor := newPeer("doctor")
	f.join(t, doctor, "vc-1", "doc-1", domain.UserTypeDoctor)

	first, err := f.broker.EndCall(context.Background(), "vc-1", domain.EndReasonManualTermination)
	require.NoError(t, err)

	f.clk.Add(3 * time.Minute)
	second, err := f.broker.EndCall(context.Background(), "vc-1", domain.EndReasonManualTermination)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.repo.completed.Load())
	assert.True(t, first.EndedAt.Equal(second.EndedAt))

	call, _ := f.repo.GetByRoomID(context.Background(), "vc-1")
	assert.True(t, call.EndedAt.Equal(first.EndedAt))
	assert.Len(t, doctor.events(domain.EventCallEnded), 2)
}

func TestBroker_ConcurrentTerminationWritesOnce(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.broker.EndCall(context.Background(), "vc-1", domain.EndReasonManualTermination)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.repo.completed.Load())
}

func TestBroker_ConcurrentJoinsArmOneTimer(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newPeer(fmt.Sprintf("peer-%d", i))
			assert.NoError(t, f.broker.JoinVideoCall(context.Background(), p, domain.JoinVideoCall{
				RoomID: "vc-1", UserID: p.id, UserType: domain.UserTypePatient,
			}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.repo.started.Load())
	assert.Equal(t, 1, f.broker.Timers().Len())
	assert.Equal(t, 25, f.broker.Rooms().Size("vc-1"))
}

func TestBroker_JoinWithoutCallRecord(t *testing.T) {
	f := newFixture(t)
	doctor, patient := newPeer("doctor"), newPeer("patient")

	f.join(t, doctor, "vc-unknown", "doc-1", domain.UserTypeDoctor)
	f.join(t, patient, "vc-unknown", "pat-1", domain.UserTypePatient)

	assert.Equal(t, 0, f.broker.Timers().Len())
	assert.Equal(t, 2, f.broker.Rooms().Size("vc-unknown"))
	assert.Len(t, doctor.events(domain.EventUserJoined), 1)
}

func TestBroker_StatusWriteFailureLeavesNoTimer(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	repo := new(mockCallRepo)
	b := NewBroker(repo, nil, nil, timer.NewManager(clk), clk)

	call := &domain.Call{RoomID: "vc-1", ScheduledAt: epoch, Duration: 30, Status: domain.CallStatusScheduled}
	repo.On("GetByRoomID", mock.Anything, "vc-1").Return(call, nil)
	repo.On("MarkOngoing", mock.Anything, "vc-1", mock.AnythingOfType("time.Time")).Return(false, errors.New("connection reset"))

	p := newPeer("doctor")
	err := b.JoinVideoCall(context.Background(), p, domain.JoinVideoCall{RoomID: "vc-1", UserID: "doc-1"})

	assert.NoError(t, err)
	assert.True(t, b.Rooms().IsMember("vc-1", p))
	assert.Equal(t, 0, b.Timers().Len())
	repo.AssertExpectations(t)
}

func TestBroker_JoinOngoingCallSkipsStore(t *testing.T) {
	clk := clock.NewMock()
	repo := new(mockCallRepo)
	b := NewBroker(repo, nil, nil, nil, clk)

	call := &domain.Call{RoomID: "vc-1", ScheduledAt: clk.Now(), Duration: 30, Status: domain.CallStatusOngoing}
	repo.On("GetByRoomID", mock.Anything, "vc-1").Return(call, nil)

	require.NoError(t, b.JoinVideoCall(context.Background(), newPeer("p"), domain.JoinVideoCall{RoomID: "vc-1"}))

	repo.AssertNotCalled(t, "MarkOngoing", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, b.Timers().Len())
}

func TestBroker_CompleteFailureIsReported(t *testing.T) {
	clk := clock.NewMock()
	repo := new(mockCallRepo)
	b := NewBroker(repo, nil, nil, nil, clk)
	p := newPeer("p")
	b.JoinRoom(p, "vc-1")

	repo.On("Complete", mock.Anything, "vc-1", mock.Anything).Return(nil, false, errors.New("timeout"))

	_, err := b.EndCall(context.Background(), "vc-1", domain.EndReasonManualTermination)
	require.Error(t, err)
	assert.Empty(t, p.events(domain.EventCallEnded))
}

func TestBroker_EndUnknownCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.broker.EndCall(context.Background(), "vc-missing", domain.EndReasonManualTermination)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestBroker_RelayExcludesSender(t *testing.T) {
	f := newFixture(t)
	a, b, c := newPeer("a"), newPeer("b"), newPeer("c")
	for _, p := range []*testPeer{a, b, c} {
		f.broker.JoinRoom(p, "vc-1")
	}

	for _, kind := range []string{domain.EventOffer, domain.EventAnswer, domain.EventICECandidate} {
		payload := json.RawMessage(fmt.Sprintf(`{"roomId":"vc-1","kind":%q}`, kind))
		n := f.broker.Relay(a, domain.SignalRelay{Kind: kind, RoomID: "vc-1", Payload: payload})
		assert.Equal(t, 2, n)

		assert.Empty(t, a.events(kind))
		require.Len(t, b.events(kind), 1)
		require.Len(t, c.events(kind), 1)
		assert.JSONEq(t, string(payload), string(b.events(kind)[0].Data))
	}
}

func TestBroker_ChatEchoesToSender(t *testing.T) {
	f := newFixture(t)
	doctor, patient := newPeer("doctor"), newPeer("patient")
	f.broker.JoinRoom(doctor, "room-1")
	f.broker.JoinRoom(patient, "room-1")

	msg, err := f.broker.SendChat(context.Background(), &domain.SendChatInput{RoomID: "room-1", Sender: "doc-1", Message: "hello"})
	require.NoError(t, err)

	for _, p := range []*testPeer{doctor, patient} {
		frames := p.events(domain.EventNewMessage)
		require.Len(t, frames, 1)
		var got domain.ChatMessage
		require.NoError(t, json.Unmarshal(frames[0].Data, &got))
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "hello", got.Body)
	}

	_, err = f.broker.DeleteChat(context.Background(), "room-1", msg.ID)
	require.NoError(t, err)
	deleted := patient.events(domain.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.JSONEq(t, fmt.Sprintf(`{"messageId":%q}`, msg.ID), string(deleted[0].Data))

	_, err = f.broker.DeleteChat(context.Background(), "room-1", msg.ID)
	assert.ErrorIs(t, err, chat.ErrMessageNotFound)
	assert.Len(t, patient.events(domain.EventMessageDeleted), 1)
}

func TestBroker_LegacyMessageReachesWholeRoom(t *testing.T) {
	f := newFixture(t)
	a, b := newPeer("a"), newPeer("b")
	f.broker.JoinRoom(a, "room-1")
	f.broker.JoinRoom(b, "room-1")

	n := f.broker.RelayLegacyMessage(domain.SendMessage{RoomID: "room-1", Payload: json.RawMessage(`{"room":"room-1","text":"hi"}`)})
	assert.Equal(t, 2, n)
	require.Len(t, a.events(domain.EventReceiveMessage), 1)
	assert.JSONEq(t, `{"room":"room-1","text":"hi"}`, string(b.events(domain.EventReceiveMessage)[0].Data))
}

func TestBroker_DisconnectKeepsCallRunning(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	doctor := newPeer("doctor")
	f.join(t, doctor, "vc-1", "doc-1", domain.UserTypeDoctor)
	f.broker.JoinRoom(doctor, "chat-1")

	f.broker.Disconnect(doctor)

	assert.Equal(t, 0, f.broker.Rooms().RoomCount())
	assert.Equal(t, domain.CallStatusOngoing, f.status(t, "vc-1"))
	assert.True(t, f.broker.Timers().Armed("vc-1"))
}

func TestBroker_Dispatch(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	a, b := newPeer("a"), newPeer("b")
	ctx := context.Background()

	require.NoError(t, f.broker.Dispatch(ctx, a, domain.JoinRoom{RoomID: "vc-1"}))
	require.NoError(t, f.broker.Dispatch(ctx, b, domain.JoinVideoCall{RoomID: "vc-1", UserID: "pat-1", UserType: "patient"}))
	require.NoError(t, f.broker.Dispatch(ctx, b, domain.SignalRelay{Kind: domain.EventOffer, RoomID: "vc-1", Payload: json.RawMessage(`{"roomId":"vc-1"}`)}))
	require.NoError(t, f.broker.Dispatch(ctx, a, domain.ChatSend{RoomID: "vc-1", Sender: "doc-1", Message: "hi"}))
	require.NoError(t, f.broker.Dispatch(ctx, a, domain.EndCall{RoomID: "vc-1"}))

	assert.Len(t, a.events(domain.EventUserJoined), 1)
	assert.Len(t, a.events(domain.EventOffer), 1)
	assert.Len(t, b.events(domain.EventNewMessage), 1)
	assert.Len(t, b.events(domain.EventCallEnded), 1)
	assert.Equal(t, domain.CallStatusCompleted, f.status(t, "vc-1"))

	err := f.broker.Dispatch(ctx, a, domain.EndCall{RoomID: "vc-missing"})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestBroker_Stats(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "vc-1", epoch, 30)
	f.join(t, newPeer("a"), "vc-1", "doc-1", domain.UserTypeDoctor)
	f.broker.JoinRoom(newPeer("b"), "chat-1")

	assert.Equal(t, Stats{Rooms: 2, Timers: 1}, f.broker.Stats())
}

func TestRoomLocks_ReleaseDropsEntry(t *testing.T) {
	l := newRoomLocks()

	unlock := l.Lock("vc-1")
	assert.Equal(t, 1, l.len())

	acquired := make(chan struct{})
	go func() {
		release := l.Lock("vc-1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return l.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCurrentAccessor(t *testing.T) {
	Unregister()
	t.Cleanup(Unregister)

	_, err := Current()
	assert.ErrorIs(t, err, ErrBrokerNotInitialized)
	assert.Panics(t, func() { MustCurrent() })

	b := NewBroker(memory.NewCallRepository(), nil, nil, nil, clock.NewMock())
	Register(b)

	got, err := Current()
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Same(t, b, MustCurrent())
}
