package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type memoryCredentialStore struct {
	mu          sync.Mutex
	nextID      int64
	credentials map[int64]Credential
	stats       map[int64]CredentialStats
	now         func() time.Time
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{
		credentials: map[int64]Credential{},
		stats:       map[int64]CredentialStats{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryCredentialStore) Get(_ context.Context, id int64) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return credential, nil
}

func (s *memoryCredentialStore) GetBySecret(_ context.Context, secret string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, credential := range s.credentials {
		if credential.SessionSecret == secret {
			return credential, nil
		}
	}
	return Credential{}, ErrCredentialNotFound
}

func (s *memoryCredentialStore) ListAll(context.Context) ([]Credential, error) {
	return s.list(false), nil
}

func (s *memoryCredentialStore) ListActive(context.Context) ([]Credential, error) {
	return s.list(true), nil
}

func (s *memoryCredentialStore) list(activeOnly bool) []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.credentials))
	for _, credential := range s.credentials {
		if activeOnly && !credential.IsActive {
			continue
		}
		out = append(out, credential)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryCredentialStore) Insert(_ context.Context, credential Credential) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.credentials {
		if existing.SessionSecret == credential.SessionSecret {
			return 0, ErrDuplicateCredential
		}
	}
	s.nextID++
	credential.ID = s.nextID
	s.credentials[credential.ID] = credential
	s.stats[credential.ID] = CredentialStats{CredentialID: credential.ID}
	return credential.ID, nil
}

func (s *memoryCredentialStore) Update(_ context.Context, id int64, patch CredentialPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	patch.Apply(&credential)
	s.credentials[id] = credential
	return nil
}

func (s *memoryCredentialStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials, id)
	delete(s.stats, id)
	return nil
}

func (s *memoryCredentialStore) IncrementStat(_ context.Context, id int64, kind StatKind) (CredentialStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return CredentialStats{}, ErrCredentialNotFound
	}
	switch kind {
	case StatImageSuccess:
		stats.ImageCount++
		stats.TodayImageCount++
	case StatVideoSuccess:
		stats.VideoCount++
		stats.TodayVideoCount++
	case StatError:
		stats.ErrorCount++
		stats.TodayErrorCount++
		stats.ConsecutiveErrorCount++
	default:
		return CredentialStats{}, fmt.Errorf("unknown stat kind %q", kind)
	}
	stats.TodayDate = s.now().Format(time.DateOnly)
	s.stats[id] = stats
	return stats, nil
}

func (s *memoryCredentialStore) ResetConsecutiveErrors(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return ErrCredentialNotFound
	}
	stats.ConsecutiveErrorCount = 0
	s.stats[id] = stats
	return nil
}

func (s *memoryCredentialStore) GetStats(_ context.Context, id int64) (CredentialStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return CredentialStats{}, ErrCredentialNotFound
	}
	return stats, nil
}

func (s *memoryCredentialStore) seed(credential Credential) Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential.ID == 0 {
		s.nextID++
		credential.ID = s.nextID
	} else if credential.ID > s.nextID {
		s.nextID = credential.ID
	}
	s.credentials[credential.ID] = credential
	s.stats[credential.ID] = CredentialStats{CredentialID: credential.ID}
	return credential
}

type memoryProjectStore struct {
	mu       sync.Mutex
	projects []Project
}

func (s *memoryProjectStore) AddProject(_ context.Context, project Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project.ID = fmt.Sprintf("prj_%d", len(s.projects)+1)
	s.projects = append(s.projects, project)
	return project, nil
}

func (s *memoryProjectStore) ListProjects(_ context.Context, credentialID int64) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Project
	for _, project := range s.projects {
		if project.CredentialID == credentialID {
			out = append(out, project)
		}
	}
	return out, nil
}

type memorySettingsStore struct {
	mu          sync.Mutex
	threshold   int
	autoRefresh bool
}

func (s *memorySettingsStore) ErrorBanThreshold(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold, nil
}

func (s *memorySettingsStore) SetErrorBanThreshold(_ context.Context, threshold int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
	return nil
}

func (s *memorySettingsStore) AutoRefreshEnabled(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRefresh, nil
}

func (s *memorySettingsStore) SetAutoRefreshEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRefresh = enabled
	return nil
}

// fakeAuthClient instruments exchanges so tests can assert how many ran and
// how many overlapped.
type fakeAuthClient struct {
	mu            sync.Mutex
	exchangeErr   error
	balanceErr    error
	projectErr    error
	expiresIn     time.Duration
	exchangeDelay time.Duration
	now           func() time.Time

	exchanges     atomic.Int64
	projects      atomic.Int64
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	perSecretBusy map[string]int
	perSecretMax  map[string]int
}

func newFakeAuthClient() *fakeAuthClient {
	return &fakeAuthClient{
		expiresIn:     2 * time.Hour,
		now:           func() time.Time { return time.Now().UTC() },
		perSecretBusy: map[string]int{},
		perSecretMax:  map[string]int{},
	}
}

func (c *fakeAuthClient) Exchange(ctx context.Context, secret string) (TokenExchange, error) {
	c.exchanges.Add(1)
	current := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		observed := c.maxInFlight.Load()
		if current <= observed || c.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}

	c.mu.Lock()
	c.perSecretBusy[secret]++
	if c.perSecretBusy[secret] > c.perSecretMax[secret] {
		c.perSecretMax[secret] = c.perSecretBusy[secret]
	}
	delay := c.exchangeDelay
	exchangeErr := c.exchangeErr
	expiresIn := c.expiresIn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.perSecretBusy[secret]--
		c.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TokenExchange{}, ctx.Err()
		}
	}
	if exchangeErr != nil {
		return TokenExchange{}, exchangeErr
	}
	expiresAt := c.now().Add(expiresIn)
	return TokenExchange{
		AccessToken: fmt.Sprintf("at-%s-%d", secret, c.exchanges.Load()),
		ExpiresAt:   &expiresAt,
		Email:       secret + "@example.com",
		Name:        "user " + secret,
	}, nil
}

func (c *fakeAuthClient) FetchBalance(context.Context, string) (Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return Balance{}, c.balanceErr
	}
	return Balance{Credits: 100, PaygateTier: "PAYGATE_TIER_ONE"}, nil
}

func (c *fakeAuthClient) CreateProject(_ context.Context, secret string, name string) (string, error) {
	c.projects.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectErr != nil {
		return "", c.projectErr
	}
	return fmt.Sprintf("project-%s-%d", secret, c.projects.Load()), nil
}

func (c *fakeAuthClient) setExchangeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchangeErr = err
}

func (c *fakeAuthClient) maxPerSecret(secret string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perSecretMax[secret]
}

// testLedger is a minimal admission ledger guarded by a single mutex.
type testLedger struct {
	mu       sync.Mutex
	limits   map[string]int
	inFlight map[string]int
	maxSeen  map[string]int
}

func newTestLedger() *testLedger {
	return &testLedger{limits: map[string]int{}, inFlight: map[string]int{}, maxSeen: map[string]int{}}
}

func ledgerKey(id int64, capability Capability) string {
	return fmt.Sprintf("%d/%s", id, capability)
}

func (l *testLedger) Initialize(credentials []Credential) {
	l.mu.Lock()
	l.limits = map[string]int{}
	l.inFlight = map[string]int{}
	l.mu.Unlock()
	for _, credential := range credentials {
		l.Register(credential)
	}
}

func (l *testLedger) Register(credential Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, capability := range Capabilities() {
		l.limits[ledgerKey(credential.ID, capability)] = credential.ConcurrencyLimit(capability)
	}
}

func (l *testLedger) Remove(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, capability := range Capabilities() {
		delete(l.limits, ledgerKey(id, capability))
		delete(l.inFlight, ledgerKey(id, capability))
	}
}

func (l *testLedger) TryAcquire(id int64, capability Capability) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(id, capability)
	limit, ok := l.limits[key]
	if !ok {
		return false
	}
	if limit != UnlimitedConcurrency && l.inFlight[key] >= limit {
		return false
	}
	l.inFlight[key]++
	if l.inFlight[key] > l.maxSeen[key] {
		l.maxSeen[key] = l.inFlight[key]
	}
	return true
}

func (l *testLedger) Release(id int64, capability Capability) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(id, capability)
	if l.inFlight[key] == 0 {
		return fmt.Errorf("release underflow for %s", key)
	}
	l.inFlight[key]--
	return nil
}

func (l *testLedger) CurrentLoad(id int64, capability Capability) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[ledgerKey(id, capability)]
}

func (l *testLedger) Limit(id int64, capability Capability) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.limits[ledgerKey(id, capability)]
	return limit, ok
}

func (l *testLedger) peak(id int64, capability Capability) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeen[ledgerKey(id, capability)]
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (r *recordingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]int64{}
	}
	r.counters[name] += value
}

func (r *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (r *recordingMetrics) counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

type tokenManagerFixture struct {
	store    *memoryCredentialStore
	projects *memoryProjectStore
	settings *memorySettingsStore
	client   *fakeAuthClient
	ledger   *testLedger
	manager  *TokenManager
	now      time.Time
}

func newTokenManagerFixture(cfg Config) *tokenManagerFixture {
	now := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	fixture := &tokenManagerFixture{
		store:    newMemoryCredentialStore(),
		projects: &memoryProjectStore{},
		settings: &memorySettingsStore{autoRefresh: true},
		client:   newFakeAuthClient(),
		ledger:   newTestLedger(),
		now:      now,
	}
	fixture.store.now = func() time.Time { return now }
	fixture.client.now = func() time.Time { return now }
	manager, err := NewTokenManager(TokenManagerDeps{
		Store:    fixture.store,
		Projects: fixture.projects,
		Settings: fixture.settings,
		Client:   fixture.client,
		Ledger:   fixture.ledger,
		Config:   func() Config { return cfg },
		Now:      func() time.Time { return now },
	})
	if err != nil {
		panic(err)
	}
	fixture.manager = manager
	return fixture
}

func (f *tokenManagerFixture) seedActive(secret string, expiresIn time.Duration, policy CapabilityPolicy) Credential {
	expiresAt := f.now.Add(expiresIn)
	credential := f.store.seed(Credential{
		SessionSecret:        secret,
		AccessToken:          "at-" + secret,
		AccessTokenExpiresAt: &expiresAt,
		Policy:               policy,
		IsActive:             true,
		ProjectID:            "project-" + secret,
		CreatedAt:            f.now,
	})
	f.ledger.Register(credential)
	return credential
}

func unlimitedPolicy() CapabilityPolicy {
	return CapabilityPolicy{
		ImageEnabled:     true,
		VideoEnabled:     true,
		ImageConcurrency: UnlimitedConcurrency,
		VideoConcurrency: UnlimitedConcurrency,
	}
}
