package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/location"
	"github.com/bobby-s-dev/region-weather/internal/models"
	"github.com/bobby-s-dev/region-weather/internal/services"
)

type mockRegions struct {
	mock.Mock
}

func (m *mockRegions) Activate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRegions) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRegions) Delete(ctx context.Context, position int) error {
	return m.Called(ctx, position).Error(0)
}

func (m *mockRegions) SaveRegion(ctx context.Context, coord models.Coordinate, addr models.Address) (models.RegionWeather, error) {
	args := m.Called(ctx, coord, addr)
	return args.Get(0).(models.RegionWeather), args.Error(1)
}

func (m *mockRegions) Regions() []models.RegionWeather {
	return m.Called().Get(0).([]models.RegionWeather)
}

func (m *mockRegions) GetStats() map[string]interface{} {
	return m.Called().Get(0).(map[string]interface{})
}

type stubJob struct {
	runs atomic.Int32
}

func (j *stubJob) GetStatus() map[string]interface{} {
	return map[string]interface{}{"running": true, "runs": int(j.runs.Load())}
}

func (j *stubJob) ForceRun() {
	j.runs.Add(1)
}

type testServer struct {
	app       *fiber.App
	handler   *Handler
	regions   *mockRegions
	publisher *services.Publisher
	feed      *location.Feed
	job       *stubJob
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zap.NewNop()
	ts := &testServer{
		regions:   &mockRegions{},
		publisher: services.NewPublisher(),
		feed:      location.NewFeed(4, logger),
		job:       &stubJob{},
	}
	ts.handler = NewHandler(ts.regions, ts.publisher, ts.feed, ts.job, logger)
	ts.app = NewApp(5*time.Second, 5*time.Second, logger)
	SetupRoutes(ts.app, ts.handler, logger)

	t.Cleanup(func() { ts.regions.AssertExpectations(t) })
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.app.Test(req, 2000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

var sampleRegions = []models.RegionWeather{
	{Address: "Busan", Lat: 35.1796, Lng: 129.0756, IsCurrLocation: true},
	{Address: "Seoul", Lat: 37.5665, Lng: 126.978, IsUserSaved: true},
}

func TestActivate(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Activate", mock.Anything).Return(nil).Once()
	ts.regions.On("Regions").Return(sampleRegions).Once()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/activate", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["count"])
	assert.NotContains(t, body, "warning")
}

func TestRefresh_BatchFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Refresh", mock.Anything).
		Return(fmt.Errorf("%w: region Seoul: timeout", services.ErrBatchFailed)).Once()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "batch refresh failed")
}

func TestRefresh_PersistFailureIsWarning(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Refresh", mock.Anything).
		Return(fmt.Errorf("%w: disk full", services.ErrPersist)).Once()
	ts.regions.On("Regions").Return(sampleRegions).Once()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["warning"], "disk full")
}

func TestRefresh_LoadFailureIsWarning(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Refresh", mock.Anything).
		Return(fmt.Errorf("%w: database is locked", services.ErrLoad)).Once()
	ts.regions.On("Regions").Return(sampleRegions).Once()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["count"])
	assert.Contains(t, body["warning"], "database is locked")
}

func TestRefresh_UnknownErrorIsInternal(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Refresh", mock.Anything).Return(errors.New("loading regions: locked")).Once()

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestGetRegions(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Regions").Return(sampleRegions).Once()

	resp, body := ts.do(t, http.MethodGet, "/api/v1/regions", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	regions, ok := body["regions"].([]interface{})
	require.True(t, ok)
	require.Len(t, regions, 2)
	first := regions[0].(map[string]interface{})
	assert.Equal(t, "Busan", first["address"])
	assert.Equal(t, true, first["is_curr_location"])
}

func TestDeleteRegion(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Delete", mock.Anything, 1).Return(nil).Once()

	resp, _ := ts.do(t, http.MethodDelete, "/api/v1/regions/1", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestDeleteRegion_NonNumericPositionIsNoop(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodDelete, "/api/v1/regions/first", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	ts.regions.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDeleteRegion_PersistWarning(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("Delete", mock.Anything, 0).
		Return(fmt.Errorf("%w: disk full", services.ErrPersist)).Once()

	resp, body := ts.do(t, http.MethodDelete, "/api/v1/regions/0", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body["warning"], "disk full")
}

func TestSaveRegion(t *testing.T) {
	ts := newTestServer(t)
	coord := models.Coordinate{Lat: 37.5665, Lng: 126.978}
	addr := models.Address{AdministrativeArea: "Seoul", Locality: "Jung-gu"}
	saved := models.RegionWeather{Address: "Seoul Jung-gu", Lat: coord.Lat, Lng: coord.Lng, IsUserSaved: true}
	ts.regions.On("SaveRegion", mock.Anything, coord, addr).Return(saved, nil).Once()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/regions", fiber.Map{
		"lat":                 coord.Lat,
		"lng":                 coord.Lng,
		"administrative_area": "Seoul",
		"locality":            "Jung-gu",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	region := body["region"].(map[string]interface{})
	assert.Equal(t, "Seoul Jung-gu", region["address"])
	assert.Equal(t, true, region["is_user_saved"])
}

func TestSaveRegion_Validation(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing coordinate", fiber.Map{"administrative_area": "Seoul"}},
		{"latitude out of range", fiber.Map{"lat": 91.0, "lng": 0.0, "administrative_area": "Seoul"}},
		{"missing address", fiber.Map{"lat": 37.5, "lng": 127.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			resp, body := ts.do(t, http.MethodPost, "/api/v1/regions", tt.body)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestSaveRegion_EquatorIsValid(t *testing.T) {
	ts := newTestServer(t)
	coord := models.Coordinate{Lat: 0, Lng: 0}
	addr := models.Address{AdministrativeArea: "Null Island"}
	ts.regions.On("SaveRegion", mock.Anything, coord, addr).
		Return(models.RegionWeather{Address: "Null Island", IsUserSaved: true}, nil).Once()

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/regions", fiber.Map{
		"lat": 0.0, "lng": 0.0, "administrative_area": "Null Island",
	})
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestSaveRegion_InvalidAddressIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("SaveRegion", mock.Anything, mock.Anything, mock.Anything).
		Return(models.RegionWeather{}, services.ErrInvalidAddress).Once()

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/regions", fiber.Map{
		"lat": 37.5, "lng": 127.0, "administrative_area": "   ",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestPushLocation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/location", fiber.Map{
		"lat": 35.1796, "lng": 129.0756, "administrative_area": " Busan ",
	})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Busan", body["address"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	select {
	case r := <-ts.feed.Readings(ctx):
		assert.Equal(t, "Busan", r.Address.Key())
		assert.Equal(t, 129.0756, r.Coordinate.Lng)
	case <-time.After(time.Second):
		t.Fatal("reading was not pushed to the feed")
	}
}

func TestPushLocation_FeedClosed(t *testing.T) {
	ts := newTestServer(t)
	ts.feed.Close()

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/location", fiber.Map{
		"lat": 35.1796, "lng": 129.0756, "administrative_area": "Busan",
	})
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.regions.On("GetStats").Return(map[string]interface{}{"regions": 2}).Once()

	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 2, body["stats"].(map[string]interface{})["regions"])
	assert.Equal(t, true, body["scheduler"].(map[string]interface{})["running"])
}

func TestRunScheduler(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/scheduler/run", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, int32(1), ts.job.runs.Load())
}

func TestRunScheduler_NotConfigured(t *testing.T) {
	logger := zap.NewNop()
	app := NewApp(5*time.Second, 5*time.Second, logger)
	SetupRoutes(app, NewHandler(&mockRegions{}, services.NewPublisher(), location.NewFeed(1, logger), nil, logger), logger)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil), 2000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/weather", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "/api/v1/weather", body["path"])
}

func TestStreamRegions(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher.Publish([]models.RegionWeather{{Address: "Seoul", IsUserSaved: true}})

	go func() {
		time.Sleep(100 * time.Millisecond)
		ts.publisher.Publish([]models.RegionWeather{
			{Address: "Seoul", IsUserSaved: true},
			{Address: "Busan", IsCurrLocation: true},
		})
		time.Sleep(100 * time.Millisecond)
		ts.handler.Close()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/regions/stream", nil)
	resp, err := ts.app.Test(req, 3000)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get(fiber.HeaderContentType))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)

	assert.Contains(t, stream, `event: regions`)
	assert.Contains(t, stream, `"count":1`)
	assert.Contains(t, stream, `"count":2`)
	assert.Contains(t, stream, "event: done")

	// The second view lists the current location first.
	assert.Regexp(t, `"count":2,.*"regions":\[\{"address":"Busan"`, stream)
	assert.Eventually(t, func() bool { return ts.publisher.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
