package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/middleware"
	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/scheduler"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Join(ctx context.Context, sid uint64, device string) (service.QueueTicket, error) {
	args := m.Called(ctx, sid, device)
	return args.Get(0).(service.QueueTicket), args.Error(1)
}

func (m *mockQueue) Status(ctx context.Context, sid uint64, waitingID string) (service.QueueTicket, error) {
	args := m.Called(ctx, sid, waitingID)
	return args.Get(0).(service.QueueTicket), args.Error(1)
}

func (m *mockQueue) AdmitIfCapacity(ctx context.Context, sid uint64, maxActive int) (int, error) {
	args := m.Called(ctx, sid, maxActive)
	return args.Int(0), args.Error(1)
}

type mockSession struct{ mock.Mock }

func (m *mockSession) Create(ctx context.Context, uid, sid uint64, token, device string) (string, error) {
	args := m.Called(ctx, uid, sid, token, device)
	return args.String(0), args.Error(1)
}

func (m *mockSession) Ping(ctx context.Context, sid uint64, session string) error {
	return m.Called(ctx, sid, session).Error(0)
}

func (m *mockSession) Leave(ctx context.Context, sid uint64, session string) error {
	return m.Called(ctx, sid, session).Error(0)
}

type mockReservations struct{ mock.Mock }

func (m *mockReservations) Create(ctx context.Context, uid, sid uint64) (model.Reservation, bool, error) {
	args := m.Called(ctx, uid, sid)
	return args.Get(0).(model.Reservation), args.Bool(1), args.Error(2)
}

func (m *mockReservations) Get(ctx context.Context, uid, rid uint64) (service.ReservationSummary, error) {
	args := m.Called(ctx, uid, rid)
	return args.Get(0).(service.ReservationSummary), args.Error(1)
}

func (m *mockReservations) ListMine(ctx context.Context, uid uint64, limit, offset int) ([]service.ReservationSummary, error) {
	args := m.Called(ctx, uid, limit, offset)
	return args.Get(0).([]service.ReservationSummary), args.Error(1)
}

func (m *mockReservations) Cancel(ctx context.Context, uid, rid uint64) (model.Reservation, error) {
	args := m.Called(ctx, uid, rid)
	return args.Get(0).(model.Reservation), args.Error(1)
}

func (m *mockReservations) Summarize(r model.Reservation) service.ReservationSummary {
	return service.ReservationSummary{ReservationID: r.ID, ScheduleID: r.ScheduleID, Status: r.Status, TotalAmount: r.TotalAmount}
}

type mockHolds struct{ mock.Mock }

func (m *mockHolds) HoldSeats(ctx context.Context, cmd service.HoldCommand) (service.HoldResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(service.HoldResult), args.Error(1)
}

func (m *mockHolds) ReleaseSeats(ctx context.Context, cmd service.ReleaseCommand) (model.Reservation, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(model.Reservation), args.Error(1)
}

type mockSeats struct{ mock.Mock }

func (m *mockSeats) SeatMap(ctx context.Context, sid, uid uint64) ([]service.SeatView, error) {
	args := m.Called(ctx, sid, uid)
	return args.Get(0).([]service.SeatView), args.Error(1)
}

func (m *mockSeats) Summary(ctx context.Context, sid uint64) ([]model.BlockSummary, error) {
	args := m.Called(ctx, sid)
	return args.Get(0).([]model.BlockSummary), args.Error(1)
}

func (m *mockSeats) Changes(ctx context.Context, sid uint64, since int64) (model.SeatChanges, error) {
	args := m.Called(ctx, sid, since)
	return args.Get(0).(model.SeatChanges), args.Error(1)
}

type fakeRunner []scheduler.Metrics

func (f fakeRunner) Metrics() []scheduler.Metrics { return f }

type fixture struct {
	e        *echo.Echo
	queue    *mockQueue
	session  *mockSession
	res      *mockReservations
	holds    *mockHolds
	seats    *mockSeats
	ready    map[string]Pinger
	metrics  fakeRunner
	asUserID uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		e: echo.New(), queue: &mockQueue{}, session: &mockSession{}, res: &mockReservations{},
		holds: &mockHolds{}, seats: &mockSeats{}, ready: map[string]Pinger{}, asUserID: 1,
	}
	f.e.Validator = NewValidator()
	f.e.HTTPErrorHandler = HTTPErrorHandler(zap.NewNop())

	auth := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(middleware.CtxUserID, f.asUserID)
			return next(c)
		}
	}
	qh := NewQueueHandler(f.queue)
	sh := NewSessionHandler(f.session, zap.NewNop())
	bh := NewBookingHandler(f.res, f.holds)
	seh := NewSeatHandler(f.seats)
	ah := NewAdminHandler(&f.metrics, f.queue, 50)

	f.e.GET("/healthz", Health)
	f.e.GET("/readyz", Ready(f.ready))
	f.e.POST("/queue/join/:scheduleId", qh.Join)
	f.e.GET("/queue/status/:scheduleId/:waitingId", qh.Status)
	f.e.POST("/session/create", sh.Create, auth)
	f.e.POST("/session/ping/:scheduleId", sh.Ping, auth)
	f.e.POST("/session/leave/:scheduleId", sh.Leave, auth)
	f.e.POST("/schedule/:scheduleId/reservation", bh.CreateReservation, auth)
	f.e.POST("/reservation/:reservationId/seats/hold", bh.Hold, auth)
	f.e.POST("/reservation/:reservationId/seats/release", bh.Release, auth)
	f.e.GET("/reservation/:reservationId", bh.Get, auth)
	f.e.DELETE("/reservation/:reservationId", bh.Cancel, auth)
	f.e.GET("/my-reservations", bh.ListMine, auth)
	f.e.GET("/schedule/:scheduleId/seats", seh.SeatMap, auth)
	f.e.GET("/schedule/:scheduleId/seats/summary", seh.Summary, auth)
	f.e.GET("/schedule/:scheduleId/seats/changes", seh.Changes, auth)
	f.e.GET("/admin/schedulers", ah.Schedulers, auth)
	f.e.POST("/admin/queue/:scheduleId/admit", ah.Admit, auth)
	return f
}

func (f *fixture) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestQueueJoin(t *testing.T) {
	f := newFixture(t)
	f.queue.On("Join", mock.Anything, uint64(7), "dev-1").
		Return(service.QueueTicket{Status: service.QueueWaiting, Position: 3, WaitingID: "w-1"}, nil)

	rec := f.do(http.MethodPost, "/queue/join/7", "", middleware.HeaderDeviceID, "dev-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"WAITING","position":3,"waitingId":"w-1"}`, rec.Body.String())
	f.queue.AssertExpectations(t)
}

func TestQueueJoin_Errors(t *testing.T) {
	f := newFixture(t)
	f.queue.On("Join", mock.Anything, uint64(7), "").Return(service.QueueTicket{}, service.ErrDeviceIDRequired)

	rec := f.do(http.MethodPost, "/queue/join/7", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errorDetail{Code: "DEVICE_ID_REQUIRED", Status: 400, Message: "device id is required"}, decodeError(t, rec))

	rec = f.do(http.MethodPost, "/queue/join/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeError(t, rec).Code)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	f.queue.On("Status", mock.Anything, uint64(7), "w-1").
		Return(service.QueueTicket{Status: service.QueueAdmitted, WaitingID: "w-1", Token: "wt_x"}, nil)

	rec := f.do(http.MethodGet, "/queue/status/7/w-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ADMITTED","waitingId":"w-1","token":"wt_x"}`, rec.Body.String())
}

func TestSessionCreate(t *testing.T) {
	f := newFixture(t)
	f.session.On("Create", mock.Anything, uint64(1), uint64(7), "wt_x", "dev-1").Return("sess-1", nil)

	rec := f.do(http.MethodPost, "/session/create", `{"scheduleId":7,"waitingToken":"wt_x","deviceId":"dev-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"bookingSessionId":"sess-1","scheduleId":7}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/session/create", `{"scheduleId":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", detail.Code)
	assert.Contains(t, detail.Message, "waitingToken is required")
	f.session.AssertNumberOfCalls(t, "Create", 1)
}

func TestSessionPingAndLeave(t *testing.T) {
	f := newFixture(t)
	f.session.On("Ping", mock.Anything, uint64(7), "sess-1").Return(service.ErrNotInActive)
	f.session.On("Leave", mock.Anything, uint64(7), "sess-1").Return(errors.New("redis down"))

	rec := f.do(http.MethodPost, "/session/ping/7", "", middleware.HeaderBookingSession, "sess-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_IN_ACTIVE", decodeError(t, rec).Code)

	rec = f.do(http.MethodPost, "/session/leave/7", "", middleware.HeaderBookingSession, "sess-1")
	assert.Equal(t, http.StatusOK, rec.Code, "leave always answers 200")
}

func TestCreateReservation(t *testing.T) {
	f := newFixture(t)
	fresh := model.Reservation{ID: 5, ScheduleID: 7, Status: model.ReservationPending}
	f.res.On("Create", mock.Anything, uint64(1), uint64(7)).Return(fresh, true, nil).Once()
	f.res.On("Create", mock.Anything, uint64(1), uint64(7)).Return(fresh, false, nil).Once()

	rec := f.do(http.MethodPost, "/schedule/7/reservation", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(http.MethodPost, "/schedule/7/reservation", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var sum service.ReservationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, uint64(5), sum.ReservationID)
}

func TestHold(t *testing.T) {
	f := newFixture(t)
	cmd := service.HoldCommand{ReservationID: 5, UserID: 1, SeatIDs: []uint64{101, 102}}
	f.holds.On("HoldSeats", mock.Anything, cmd).Return(service.HoldResult{
		Reservation: model.Reservation{ID: 5, ScheduleID: 7, Status: model.ReservationHold, TotalAmount: 100000},
		SeatIDs:     []uint64{101, 102},
	}, nil)

	rec := f.do(http.MethodPost, "/reservation/5/seats/hold", `{"performanceSeatIds":[101,102]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HOLD", body["status"])
	assert.Equal(t, float64(100000), body["totalAmount"])
	assert.Equal(t, []any{float64(101), float64(102)}, body["heldSeatIds"])
}

func TestHold_ConflictBody(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.holds.On("HoldSeats", mock.Anything, mock.Anything).Return(service.HoldResult{}, &service.ConflictError{
		ReservationID: 5,
		Conflicts: []service.SeatConflict{
			{SeatID: 102, CurrentStatus: model.SeatHold, Reason: service.ReasonAlreadyHeld},
		},
		At: at,
	})

	rec := f.do(http.MethodPost, "/reservation/5/seats/hold", `{"performanceSeatIds":[101,102]}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{
		"reservationId": 5,
		"refreshRequired": true,
		"conflicts": [{"performanceSeatId": 102, "currentStatus": "HOLD", "reason": "ALREADY_HELD"}],
		"updatedAt": "2025-03-01T12:00:00Z"
	}`, rec.Body.String())
}

func TestHold_RejectsEmptySelection(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/reservation/5/seats/hold", `{"performanceSeatIds":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/reservation/5/seats/hold", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.holds.AssertNotCalled(t, "HoldSeats", mock.Anything, mock.Anything)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	cmd := service.ReleaseCommand{ReservationID: 5, UserID: 1, SeatIDs: []uint64{101}}
	f.holds.On("ReleaseSeats", mock.Anything, cmd).Return(model.Reservation{ID: 5, Status: model.ReservationPending}, nil)

	rec := f.do(http.MethodPost, "/reservation/5/seats/release", `{"performanceSeatIds":[101]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"PENDING"`)
}

func TestGetCancelList(t *testing.T) {
	f := newFixture(t)
	f.res.On("Get", mock.Anything, uint64(1), uint64(5)).Return(service.ReservationSummary{}, service.ErrReservationForbidden)
	f.res.On("Cancel", mock.Anything, uint64(1), uint64(6)).Return(model.Reservation{ID: 6, Status: model.ReservationCancelled}, nil)
	f.res.On("ListMine", mock.Anything, uint64(1), 10, 20).Return([]service.ReservationSummary{{ReservationID: 6}}, nil)

	rec := f.do(http.MethodGet, "/reservation/5", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "RESERVATION_FORBIDDEN", decodeError(t, rec).Code)

	rec = f.do(http.MethodDelete, "/reservation/6", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)

	rec = f.do(http.MethodGet, "/my-reservations?limit=10&offset=20", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reservationId":6`)
}

func TestInternalErrorHidesCause(t *testing.T) {
	f := newFixture(t)
	f.res.On("Get", mock.Anything, uint64(1), uint64(5)).Return(service.ReservationSummary{}, errors.New("dial tcp: refused"))

	rec := f.do(http.MethodGet, "/reservation/5", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")
	assert.Equal(t, "INTERNAL_SERVER_ERROR", decodeError(t, rec).Code)
}

func TestSeatEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seats.On("SeatMap", mock.Anything, uint64(7), uint64(1)).Return([]service.SeatView{{SeatID: 101, Status: model.SeatAvailable}}, nil)
	f.seats.On("Summary", mock.Anything, uint64(7)).Return([]model.BlockSummary{{Floor: 1, Block: "A", Total: 5, Available: 4}}, nil)
	f.seats.On("Changes", mock.Anything, uint64(7), int64(12)).Return(model.SeatChanges{CurrentVersion: 12, Changes: []model.SeatChange{}}, nil)

	rec := f.do(http.MethodGet, "/schedule/7/seats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"performanceSeatId":101`)

	rec = f.do(http.MethodGet, "/schedule/7/seats/summary", "")
	assert.JSONEq(t, `{"scheduleId":7,"blocks":[{"floor":1,"block":"A","totalSeats":5,"availableSeats":4}]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/schedule/7/seats/changes?sinceVersion=12", "")
	assert.JSONEq(t, `{"currentVersion":12,"fullRefreshRequired":false,"changes":[]}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/schedule/7/seats/changes?sinceVersion=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin(t *testing.T) {
	f := newFixture(t)
	f.metrics = fakeRunner{{Name: "admission", Interval: "1s", Runs: 3}}
	f.queue.On("AdmitIfCapacity", mock.Anything, uint64(7), 50).Return(4, nil)

	rec := f.do(http.MethodGet, "/admin/schedulers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"admission"`)

	rec = f.do(http.MethodPost, "/admin/queue/7/admit", "")
	assert.JSONEq(t, `{"scheduleId":7,"admitted":4}`, rec.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", rec.Body.String())

	f.ready["redis"] = PingFunc(func(context.Context) error { return nil })
	rec = f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.ready["mysql"] = PingFunc(func(context.Context) error { return errors.New("down") })
	rec = f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "mysql")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}
