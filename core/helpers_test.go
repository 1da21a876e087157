package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestDB 每个测试独立的内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenDatabase("file:"+name+"?mode=memory&cache=shared", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// memStore 内存 ConfigStore，记录保存次数
type memStore struct {
	mu        sync.Mutex
	providers []models.Provider
	saves     int
	legacy    *models.LegacyConfig
	backup    *models.LegacyConfig
	backupErr error
}

func (s *memStore) LoadProviders() ([]models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Provider, 0, len(s.providers))
	for i := range s.providers {
		out = append(out, *s.providers[i].Clone())
	}
	return out, nil
}

func (s *memStore) SaveProviders(providers []models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.providers = make([]models.Provider, 0, len(providers))
	for i := range providers {
		s.providers = append(s.providers, *providers[i].Clone())
	}
	return nil
}

func (s *memStore) LoadLegacyConfig() (*models.LegacyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacy, nil
}

func (s *memStore) BackupLegacyConfig(cfg *models.LegacyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupErr != nil {
		return s.backupErr
	}
	cp := *cfg
	s.backup = &cp
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// fakeFetcher 按协议返回固定列表并统计调用次数
type fakeFetcher struct {
	mu             sync.Mutex
	ids            []string
	err            error
	calls          int
	lastSecret     string
	lastHeaderMode bool
	lastVendor     string
	// during 在返回前调用，用于模拟网络期间的并发变更
	during func()
}

func (f *fakeFetcher) record(vendor, secret string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.lastVendor = vendor
	f.lastSecret = secret
	during := f.during
	ids, err := append([]string(nil), f.ids...), f.err
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (f *fakeFetcher) FetchOpenAICompatibleModels(_ context.Context, _, secret string) ([]string, error) {
	return f.record("openai", secret)
}

func (f *fakeFetcher) FetchGeminiModels(_ context.Context, _, secret string, headerMode bool) ([]string, error) {
	f.mu.Lock()
	f.lastHeaderMode = headerMode
	f.mu.Unlock()
	return f.record("gemini", secret)
}

func (f *fakeFetcher) FetchClaudeModels(_ context.Context, _, secret string) ([]string, error) {
	return f.record("claude", secret)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventRecorder 收集通知
type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) Notify(evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	registry *Registry
	store    *memStore
	fetcher  *fakeFetcher
	catalog  *ModelCatalog
	events   *eventRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := &memStore{}
	fetcher := &fakeFetcher{}
	catalog := NewModelCatalog(fetcher, 0, quietLogger())
	reg, err := NewRegistry(store, catalog, quietLogger())
	require.NoError(t, err)
	events := &eventRecorder{}
	reg.Subscribe(events)
	return &testEnv{registry: reg, store: store, fetcher: fetcher, catalog: catalog, events: events}
}

func (e *testEnv) mustCreate(t *testing.T, draft models.ProviderDraft) *models.Provider {
	t.Helper()
	p, err := e.registry.CreateProvider(draft)
	require.NoError(t, err)
	return p
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }
