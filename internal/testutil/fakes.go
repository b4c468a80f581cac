package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
)

// Compile-time conformance checks.
var (
	_ core.JobStore        = (*FakeJobStore)(nil)
	_ core.RunStore        = (*FakeRunStore)(nil)
	_ core.WorkerStore     = (*FakeWorkerStore)(nil)
	_ core.PromptStore     = (*FakePromptStore)(nil)
	_ core.ModelRegistry   = (*FakeModelRegistry)(nil)
	_ core.CacheRepository = (*FakeCache)(nil)
)

// FakeJobStore is an in-memory JobStore with the same compare-and-swap
// transition semantics as the SQL implementation, so concurrency-sensitive
// service tests exercise the real claim protocol.
type FakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewFakeJobStore creates an empty in-memory job store.
func NewFakeJobStore() *FakeJobStore {
	return &FakeJobStore{
		jobs: make(map[string]*model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a job in PENDING status.
func (s *FakeJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	clientRef := req.ClientReference
	if len(clientRef) == 0 {
		clientRef = json.RawMessage(`{}`)
	}
	job := &model.Job{
		ID:              uuid.NewString(),
		ClientID:        req.ClientID,
		Status:          model.JobStatusPending,
		Operation:       req.Operation,
		Prompts:         append([]string(nil), req.Prompts...),
		Model:           req.Model,
		Temperature:     req.Temperature,
		Priority:        req.Priority,
		RequestData:     append(json.RawMessage(nil), req.RequestData...),
		ClientReference: clientRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

// GetByID returns a job or model.ErrJobNotFound.
func (s *FakeJobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.IsDeleted {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// FetchPending mirrors the SQL query: PENDING only, filters applied, ordered
// by priority ascending then creation time ascending.
func (s *FakeJobStore) FetchPending(_ context.Context, params core.FetchPendingParams) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Job
	for _, job := range s.jobs {
		if job.IsDeleted || job.Status != model.JobStatusPending || job.ClientID != params.ClientID {
			continue
		}
		if params.ModelFilter != "" && job.Model != params.ModelFilter {
			continue
		}
		if params.OperationFilter != "" && job.Operation != params.OperationFilter {
			continue
		}
		if !clientRefContains(job.ClientReference, params.ClientReferenceFilters) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	limit := params.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}

	out := make([]*model.Job, 0, limit)
	for _, job := range matched[:limit] {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// TransitionStatus applies the same CAS rule as the SQL store: the update
// succeeds only when the job still holds the expected status.
func (s *FakeJobStore) TransitionStatus(_ context.Context, params core.TransitionJobParams) (bool, error) {
	if !params.FromStatus.Valid() || !params.ToStatus.Valid() {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}
	if !params.FromStatus.CanTransitionTo(params.ToStatus) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[params.JobID]
	if !ok || job.IsDeleted || job.Status != params.FromStatus {
		return false, nil
	}

	job.Status = params.ToStatus
	job.UpdatedAt = s.now()
	if params.Result != nil {
		if params.Result.ResponseData != nil {
			job.ResponseData = append(json.RawMessage(nil), params.Result.ResponseData...)
		}
		if params.Result.ProcessingMetrics != nil {
			pm := *params.Result.ProcessingMetrics
			job.ProcessingMetrics = &pm
		}
		if params.Result.ErrorData != nil {
			ed := *params.Result.ErrorData
			job.ErrorData = &ed
		}
	}
	return true, nil
}

// SoftDelete marks a job deleted.
func (s *FakeJobStore) SoftDelete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.IsDeleted {
		return false, nil
	}
	now := s.now()
	job.IsDeleted = true
	job.DeletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

// Snapshot returns a copy of a job regardless of status, for assertions.
func (s *FakeJobStore) Snapshot(id string) (*model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func clientRefContains(ref json.RawMessage, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	var data map[string]any
	if err := json.Unmarshal(ref, &data); err != nil {
		return false
	}
	for k, want := range filters {
		got, ok := data[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cloneJob(j *model.Job) *model.Job {
	out := *j
	out.Prompts = append([]string(nil), j.Prompts...)
	out.RequestData = append(json.RawMessage(nil), j.RequestData...)
	out.ResponseData = append(json.RawMessage(nil), j.ResponseData...)
	out.ClientReference = append(json.RawMessage(nil), j.ClientReference...)
	if j.ProcessingMetrics != nil {
		pm := *j.ProcessingMetrics
		out.ProcessingMetrics = &pm
	}
	if j.ErrorData != nil {
		ed := *j.ErrorData
		out.ErrorData = &ed
	}
	return &out
}

// FakeRunStore is an in-memory RunStore with CAS transition semantics.
type FakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*model.Run
	now  func() time.Time
}

// NewFakeRunStore creates an empty in-memory run store.
func NewFakeRunStore() *FakeRunStore {
	return &FakeRunStore{
		runs: make(map[string]*model.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a run in PENDING status with an empty ModelRun per working model.
func (s *FakeRunStore) Create(_ context.Context, req *model.CreateRunRequest) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	modelRuns := make([]model.ModelRun, 0, len(req.WorkingModels))
	for _, m := range req.WorkingModels {
		modelRuns = append(modelRuns, model.ModelRun{Model: m, Iterations: []model.IterationResult{}})
	}
	run := &model.Run{
		ID:              uuid.NewString(),
		ClientID:        req.ClientID,
		Status:          model.RunStatusPending,
		InitialPromptID: req.InitialPromptID,
		EvalPromptID:    req.EvalPromptID,
		EvalModel:       req.EvalModel,
		MetaPromptID:    req.MetaPromptID,
		MetaModel:       req.MetaModel,
		WorkingModels:   append([]string(nil), req.WorkingModels...),
		MaxIterations:   req.MaxIterations,
		Temperature:     req.Temperature,
		Priority:        req.Priority,
		RequestData:     append(json.RawMessage(nil), req.RequestData...),
		ModelRuns:       modelRuns,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.runs[run.ID] = run
	return cloneRun(run), nil
}

// GetByID returns a run or model.ErrRunNotFound.
func (s *FakeRunStore) GetByID(_ context.Context, id string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.IsDeleted {
		return nil, model.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRunning returns RUNNING runs ordered by creation time.
func (s *FakeRunStore) ListRunning(_ context.Context) ([]*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Run
	for _, run := range s.runs {
		if !run.IsDeleted && run.Status == model.RunStatusRunning {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TransitionStatus applies the CAS rule for run statuses.
func (s *FakeRunStore) TransitionStatus(_ context.Context, params core.TransitionRunParams) (bool, error) {
	if !params.FromStatus.Valid() || !params.ToStatus.Valid() {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}
	if !params.FromStatus.CanTransitionTo(params.ToStatus) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[params.RunID]
	if !ok || run.IsDeleted || run.Status != params.FromStatus {
		return false, nil
	}
	run.Status = params.ToStatus
	if params.FailureReason != nil {
		reason := *params.FailureReason
		run.FailureReason = &reason
	}
	run.UpdatedAt = s.now()
	return true, nil
}

// SaveProgress persists the run's cursor and collected results.
func (s *FakeRunStore) SaveProgress(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok || stored.IsDeleted {
		return model.ErrRunNotFound
	}
	stored.CurrentModelIndex = run.CurrentModelIndex
	stored.CurrentIteration = run.CurrentIteration
	if run.CurrentJobID != nil {
		id := *run.CurrentJobID
		stored.CurrentJobID = &id
	} else {
		stored.CurrentJobID = nil
	}
	stored.ModelRuns = cloneModelRuns(run.ModelRuns)
	if run.ProcessingMetrics != nil {
		pm := *run.ProcessingMetrics
		stored.ProcessingMetrics = &pm
	}
	stored.UpdatedAt = s.now()
	return nil
}

// SoftDelete marks a run deleted.
func (s *FakeRunStore) SoftDelete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.IsDeleted {
		return false, nil
	}
	now := s.now()
	run.IsDeleted = true
	run.DeletedAt = &now
	run.UpdatedAt = now
	return true, nil
}

// Snapshot returns a copy of a run for assertions.
func (s *FakeRunStore) Snapshot(id string) (*model.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

func cloneRun(r *model.Run) *model.Run {
	out := *r
	out.WorkingModels = append([]string(nil), r.WorkingModels...)
	out.RequestData = append(json.RawMessage(nil), r.RequestData...)
	out.ModelRuns = cloneModelRuns(r.ModelRuns)
	if r.CurrentJobID != nil {
		id := *r.CurrentJobID
		out.CurrentJobID = &id
	}
	if r.ProcessingMetrics != nil {
		pm := *r.ProcessingMetrics
		out.ProcessingMetrics = &pm
	}
	if r.FailureReason != nil {
		reason := *r.FailureReason
		out.FailureReason = &reason
	}
	return &out
}

func cloneModelRuns(in []model.ModelRun) []model.ModelRun {
	out := make([]model.ModelRun, len(in))
	for i, mr := range in {
		out[i] = model.ModelRun{Model: mr.Model, Iterations: append([]model.IterationResult(nil), mr.Iterations...)}
		if mr.ProcessingMetrics != nil {
			pm := *mr.ProcessingMetrics
			out[i].ProcessingMetrics = &pm
		}
	}
	return out
}

// FakeWorkerStore is an in-memory WorkerStore.
type FakeWorkerStore struct {
	mu      sync.Mutex
	workers map[string]*model.Worker
	now     func() time.Time
}

// NewFakeWorkerStore creates an empty in-memory worker store.
func NewFakeWorkerStore() *FakeWorkerStore {
	return &FakeWorkerStore{
		workers: make(map[string]*model.Worker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a worker in stopped status, rejecting duplicate names per client.
func (s *FakeWorkerStore) Create(_ context.Context, req *model.CreateWorkerRequest) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if !w.IsDeleted && w.ClientID == req.ClientID && w.Name == req.Name {
			return nil, model.ErrDuplicateName
		}
	}

	now := s.now()
	worker := &model.Worker{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Name:      req.Name,
		Status:    model.WorkerStatusStopped,
		Config:    req.Config,
		Group:     req.Group,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.workers[worker.ID] = worker
	return cloneWorker(worker), nil
}

// GetByID returns a worker or model.ErrWorkerNotFound.
func (s *FakeWorkerStore) GetByID(_ context.Context, id string) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok || w.IsDeleted {
		return nil, model.ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

// List returns all non-deleted workers.
func (s *FakeWorkerStore) List(_ context.Context) ([]*model.Worker, error) {
	return s.list(func(*model.Worker) bool { return true })
}

// ListByGroup returns non-deleted workers with the given group tag.
func (s *FakeWorkerStore) ListByGroup(_ context.Context, group string) ([]*model.Worker, error) {
	return s.list(func(w *model.Worker) bool { return w.Group == group })
}

func (s *FakeWorkerStore) list(keep func(*model.Worker) bool) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Worker
	for _, w := range s.workers {
		if !w.IsDeleted && keep(w) {
			out = append(out, cloneWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus records the worker's lifecycle state; nil info clears thread info.
func (s *FakeWorkerStore) UpdateStatus(_ context.Context, id string, status model.WorkerStatus, info *model.ThreadInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok || w.IsDeleted {
		return model.ErrWorkerNotFound
	}
	w.Status = status
	if info != nil {
		ti := *info
		w.ThreadInfo = &ti
	} else {
		w.ThreadInfo = nil
	}
	w.UpdatedAt = s.now()
	return nil
}

// UpdateConfig replaces the worker's config, only while stopped.
func (s *FakeWorkerStore) UpdateConfig(_ context.Context, id string, cfg model.WorkerConfig) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok || w.IsDeleted || w.Status != model.WorkerStatusStopped {
		return nil, model.ErrWorkerNotFound
	}
	w.Config = cfg
	w.UpdatedAt = s.now()
	return cloneWorker(w), nil
}

// MarkAllRunningStopped forces running workers back to stopped.
func (s *FakeWorkerStore) MarkAllRunningStopped(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, w := range s.workers {
		if !w.IsDeleted && w.Status == model.WorkerStatusRunning {
			w.Status = model.WorkerStatusStopped
			w.ThreadInfo = nil
			w.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

func cloneWorker(w *model.Worker) *model.Worker {
	out := *w
	if w.ThreadInfo != nil {
		ti := *w.ThreadInfo
		out.ThreadInfo = &ti
	}
	if w.Config.ClientReferenceFilters != nil {
		filters := make(map[string]string, len(w.Config.ClientReferenceFilters))
		for k, v := range w.Config.ClientReferenceFilters {
			filters[k] = v
		}
		out.Config.ClientReferenceFilters = filters
	}
	return &out
}

// FakePromptStore is an in-memory PromptStore keyed by client and prompt id.
type FakePromptStore struct {
	mu      sync.Mutex
	prompts map[string]*model.Prompt
}

// NewFakePromptStore creates an empty in-memory prompt store.
func NewFakePromptStore() *FakePromptStore {
	return &FakePromptStore{prompts: make(map[string]*model.Prompt)}
}

// Add seeds a prompt with a fixed id, for test setup.
func (s *FakePromptStore) Add(p *model.Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prompts[p.ClientID+"/"+p.ID] = &cp
}

// Create stores a prompt, assigning an id when absent.
func (s *FakePromptStore) Create(_ context.Context, p *model.Prompt) (*model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.prompts[cp.ClientID+"/"+cp.ID] = &cp
	out := cp
	return &out, nil
}

// Resolve returns a prompt scoped to a client or model.ErrPromptNotFound.
func (s *FakePromptStore) Resolve(_ context.Context, clientID, promptID string) (*model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[clientID+"/"+promptID]
	if !ok {
		return nil, model.ErrPromptNotFound
	}
	out := *p
	return &out, nil
}

// FakeModelRegistry is an in-memory ModelRegistry.
type FakeModelRegistry struct {
	mu     sync.Mutex
	models map[string]*model.ModelConfig
}

// NewFakeModelRegistry creates an empty in-memory model registry.
func NewFakeModelRegistry() *FakeModelRegistry {
	return &FakeModelRegistry{models: make(map[string]*model.ModelConfig)}
}

// Register seeds a model configuration.
func (s *FakeModelRegistry) Register(cfg *model.ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.models[cfg.Name] = &cp
}

// Resolve returns a model configuration or model.ErrModelNotFound.
func (s *FakeModelRegistry) Resolve(_ context.Context, name string) (*model.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.models[name]
	if !ok {
		return nil, model.ErrModelNotFound
	}
	out := *cfg
	return &out, nil
}

// FakeCache is an in-memory CacheRepository. TTLs are honored against the
// wall clock.
type FakeCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewFakeCache creates an empty in-memory cache.
func NewFakeCache() *FakeCache {
	return &FakeCache{entries: make(map[string]cacheEntry)}
}

// Set stores a value; a zero TTL means no expiry.
func (c *FakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Get returns the stored value or nil when absent or expired.
func (c *FakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes a key, reporting whether it existed.
func (c *FakeCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

// Health always reports healthy.
func (c *FakeCache) Health(context.Context) error { return nil }
