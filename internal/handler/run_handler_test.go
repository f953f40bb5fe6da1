package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/repository"
	"tgbroadcast/internal/resolver"
	"tgbroadcast/internal/service"
)

// stubRunRepo serves one canned run. Launch stores the created run and hands
// it back as running so the handler sees a realistic response.
type stubRunRepo struct {
	run       *model.BroadcastRun
	cancelErr error
}

func (s *stubRunRepo) Create(run *model.BroadcastRun) error {
	cp := *run
	s.run = &cp
	return nil
}

func (s *stubRunRepo) GetByID(id string) (*model.BroadcastRun, error) {
	if s.run == nil || s.run.ID != id {
		return nil, appErrors.NewRunNotFound(id)
	}
	cp := *s.run
	return &cp, nil
}

func (s *stubRunRepo) ListRuns(offset, limit int, status string) ([]*model.BroadcastRun, int, error) {
	if s.run == nil {
		return []*model.BroadcastRun{}, 0, nil
	}
	return []*model.BroadcastRun{s.run}, 1, nil
}

func (s *stubRunRepo) ListUnsettled() ([]*model.BroadcastRun, error) { return nil, nil }

func (s *stubRunRepo) MarkRunning(id string, total int) error {
	s.run.Status = model.RunRunning
	s.run.TotalRecipients = total
	s.run.PendingCount = total
	return nil
}

func (s *stubRunRepo) Cancel(id string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	if s.run == nil || s.run.ID != id {
		return appErrors.NewRunNotFound(id)
	}
	s.run.Status = model.RunCancelled
	return nil
}

func (s *stubRunRepo) AcquireLease(id, token string, leaseFor time.Duration) (bool, error) {
	return true, nil
}
func (s *stubRunRepo) ReleaseLease(id, token string) error { return nil }
func (s *stubRunRepo) UpdateCounters(id string, c repository.RunCounters, progressed bool) error {
	return nil
}
func (s *stubRunRepo) Finish(id, token string, status model.RunStatus) (bool, error) {
	return false, nil
}

func (s *stubRunRepo) Delete(id string) error {
	if s.run == nil || s.run.ID != id {
		return appErrors.NewRunNotFound(id)
	}
	s.run = nil
	return nil
}

type stubDeliveryRepo struct{}

func (stubDeliveryRepo) InsertBatch(runID string, recipients []model.Recipient) (int, error) {
	return len(recipients), nil
}
func (stubDeliveryRepo) ClaimBatch(runID string, limit int, leaseFor time.Duration, token string) ([]*model.BroadcastDelivery, error) {
	return nil, nil
}
func (stubDeliveryRepo) Release(id int64, token string, out repository.DeliveryOutcome) error {
	return nil
}
func (stubDeliveryRepo) CountByStatus(runID string) (map[model.DeliveryStatus]int, error) {
	return map[model.DeliveryStatus]int{}, nil
}
func (stubDeliveryRepo) ListByRun(runID string, offset, limit int) ([]*model.BroadcastDelivery, int, error) {
	return []*model.BroadcastDelivery{}, 0, nil
}
func (stubDeliveryRepo) ForceFailPending(runID, reason string) (int, error) { return 0, nil }

type stubResolver struct {
	result *resolver.Result
}

func (s *stubResolver) Resolve(spec model.TargetSpec) (*resolver.Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, appErrors.NewInvalidTarget(err.Error())
	}
	return s.result, nil
}

func newTestRouter(runs *stubRunRepo) *chi.Mux {
	svc := &service.RunService{
		RunRepo:      runs,
		DeliveryRepo: stubDeliveryRepo{},
		Resolver:     &stubResolver{result: &resolver.Result{Recipients: []model.Recipient{{ChatID: 101}, {ChatID: 102}}, Requested: 2}},
		Log:          zap.NewNop(),
	}
	h := NewRunHandler(svc)

	r := chi.NewRouter()
	r.Post("/runs", h.LaunchRunHandler)
	r.Get("/runs", h.ListRunsHandler)
	r.Get("/runs/{id}", h.GetRunHandler)
	r.Get("/runs/{id}/deliveries", h.ListDeliveriesHandler)
	r.Post("/runs/{id}/cancel", h.CancelRunHandler)
	r.Delete("/runs/{id}", h.PurgeRunHandler)
	return r
}

func TestLaunchRunHandlerCreated(t *testing.T) {
	router := newTestRouter(&stubRunRepo{})

	body := `{"message":"hello everyone","target":{"mode":"all"}}`
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var result service.LaunchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 2, result.Requested)
	assert.Equal(t, 2, result.Resolved)
	assert.Equal(t, model.RunRunning, result.Run.Status)
}

func TestLaunchRunHandlerRequiresMessage(t *testing.T) {
	router := newTestRouter(&stubRunRepo{})

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"target":{"mode":"all"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunchRunHandlerRejectsInvalidTarget(t *testing.T) {
	router := newTestRouter(&stubRunRepo{})

	body := `{"message":"hi","target":{"mode":"role"}}`
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid target")
}

func TestGetRunHandlerNotFound(t *testing.T) {
	router := newTestRouter(&stubRunRepo{})

	req := httptest.NewRequest(http.MethodGet, "/runs/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunHandlerReturnsRun(t *testing.T) {
	repo := &stubRunRepo{run: &model.BroadcastRun{ID: "run-1", Message: "hi", Status: model.RunRunning}}
	router := newTestRouter(repo)

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var run model.BroadcastRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, "run-1", run.ID)
}

func TestCancelRunHandlerConflictWhenNotCancellable(t *testing.T) {
	repo := &stubRunRepo{
		run:       &model.BroadcastRun{ID: "run-1", Status: model.RunCompleted},
		cancelErr: appErrors.NewRunNotCancellable("run-1", model.RunCompleted),
	}
	router := newTestRouter(repo)

	req := httptest.NewRequest(http.MethodPost, "/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPurgeRunHandlerNoContent(t *testing.T) {
	repo := &stubRunRepo{run: &model.BroadcastRun{ID: "run-1", Status: model.RunCompleted}}
	router := newTestRouter(repo)

	req := httptest.NewRequest(http.MethodDelete, "/runs/run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, repo.run)
}
