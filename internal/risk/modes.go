package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
)

// ProfileStore persists profiles and the active profile id.
type ProfileStore interface {
	LoadProfiles(ctx context.Context) ([]models.Profile, error)
	SaveProfiles(ctx context.Context, profiles []models.Profile) error
	LoadActiveProfile(ctx context.Context) (string, error)
	SaveActiveProfile(ctx context.Context, id string) error
}

// MonitorStore persists drawdown monitor state per profile. A ProfileStore
// that also implements it lets the monitor survive restarts.
type MonitorStore interface {
	LoadMonitorState(ctx context.Context, profileID string) (MonitorState, bool, error)
	SaveMonitorState(ctx context.Context, state MonitorState) error
	DeleteMonitorState(ctx context.Context, profileID string) error
}

// MemoryProfileStore keeps profiles and monitor state in memory.
type MemoryProfileStore struct {
	mu       sync.Mutex
	profiles []models.Profile
	active   string
	states   map[string]MonitorState
}

func (s *MemoryProfileStore) LoadProfiles(context.Context) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Profile(nil), s.profiles...), nil
}

func (s *MemoryProfileStore) SaveProfiles(_ context.Context, profiles []models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append([]models.Profile(nil), profiles...)
	return nil
}

func (s *MemoryProfileStore) LoadActiveProfile(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *MemoryProfileStore) SaveActiveProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	return nil
}

func (s *MemoryProfileStore) LoadMonitorState(_ context.Context, profileID string) (MonitorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[profileID]
	return state, ok, nil
}

func (s *MemoryProfileStore) SaveMonitorState(_ context.Context, state MonitorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]MonitorState)
	}
	state.Days = append([]DayStats(nil), state.Days...)
	s.states[state.ProfileID] = state
	return nil
}

func (s *MemoryProfileStore) DeleteMonitorState(_ context.Context, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, profileID)
	return nil
}

// Presets returns the built-in FXIFY programme profiles.
func Presets() []models.Profile {
	return []models.Profile{
		{
			Name:             "FXIFY One Phase",
			AccountType:      models.AccountOnePhase,
			ProfitTarget:     0.10,
			MaxDailyDrawdown: 0.03,
			MaxTotalDrawdown: 0.06,
			MinTradingDays:   5,
			AllowNewsTrading: true,
		},
		{
			Name:             "FXIFY Two Phase",
			AccountType:      models.AccountTwoPhase,
			ProfitTarget:     0.10,
			MaxDailyDrawdown: 0.05,
			MaxTotalDrawdown: 0.10,
			MinTradingDays:   5,
			AllowNewsTrading: true,
		},
		{
			Name:             "FXIFY Instant Funding",
			AccountType:      models.AccountInstantFunding,
			MaxDailyDrawdown: 0.03,
			MaxTotalDrawdown: 0.06,
			TradeSizeLimit:   2.0,
			AllowNewsTrading: false,
		},
	}
}

// ValidateProfile rejects limits outside (0, 1] and negative counters.
func ValidateProfile(p models.Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.NewValidationError("name", p.Name, "profile name is required")
	}
	if p.MaxDailyDrawdown <= 0 || p.MaxDailyDrawdown > 1 {
		return apperrors.NewValidationError("max_daily_drawdown", p.MaxDailyDrawdown, "must be in (0, 1]")
	}
	if p.MaxTotalDrawdown <= 0 || p.MaxTotalDrawdown > 1 {
		return apperrors.NewValidationError("max_total_drawdown", p.MaxTotalDrawdown, "must be in (0, 1]")
	}
	if p.ProfitTarget < 0 {
		return apperrors.NewValidationError("profit_target", p.ProfitTarget, "must not be negative")
	}
	if p.MinTradingDays < 0 {
		return apperrors.NewValidationError("min_trading_days", p.MinTradingDays, "must not be negative")
	}
	if p.TradeSizeLimit < 0 {
		return apperrors.NewValidationError("trade_size_limit", p.TradeSizeLimit, "must not be negative")
	}
	return nil
}

// ModeManager owns the profile list and which profile, if any, is active.
// FXIFY mode is on exactly when a profile is active.
type ModeManager struct {
	mu       sync.RWMutex
	store    ProfileStore
	states   MonitorStore
	monitor  *DrawdownMonitor
	profiles map[string]models.Profile
	activeID string
	now      func() time.Time
	log      zerolog.Logger
}

// NewModeManager creates a manager. Call Load before use to read the store.
func NewModeManager(store ProfileStore, monitor *DrawdownMonitor, logger zerolog.Logger) *ModeManager {
	if store == nil {
		store = &MemoryProfileStore{}
	}
	states, _ := store.(MonitorStore)
	return &ModeManager{
		store:    store,
		states:   states,
		monitor:  monitor,
		profiles: make(map[string]models.Profile),
		now:      time.Now,
		log:      logging.WithComponent(logger, "modes"),
	}
}

// Load reads profiles and the active id from the store, seeding the presets
// when the store is empty.
func (m *ModeManager) Load(ctx context.Context) error {
	profiles, err := m.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	active, err := m.store.LoadActiveProfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active profile: %w", err)
	}

	m.mu.Lock()
	m.profiles = make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	seed := len(m.profiles) == 0
	if seed {
		now := m.now().UTC()
		for _, p := range Presets() {
			p.ID = newProfileID()
			p.CreatedAt, p.UpdatedAt = now, now
			m.profiles[p.ID] = p
		}
	}
	if _, ok := m.profiles[active]; ok {
		m.activeID = active
	} else {
		m.activeID = ""
	}
	activeID := m.activeID
	m.mu.Unlock()

	if activeID != "" {
		if err := m.restoreMonitor(ctx, activeID); err != nil {
			return err
		}
	}
	if seed {
		m.log.Info().Int("count", len(Presets())).Msg("Seeded preset profiles")
		return m.persist(ctx)
	}
	return nil
}

func (m *ModeManager) restoreMonitor(ctx context.Context, profileID string) error {
	if m.states == nil || m.monitor == nil {
		return nil
	}
	state, ok, err := m.states.LoadMonitorState(ctx, profileID)
	if err != nil {
		return fmt.Errorf("failed to load drawdown state: %w", err)
	}
	if ok {
		m.monitor.Restore(state)
	}
	return nil
}

// SaveMonitorState persists the monitor under the active profile. It is a
// no-op with FXIFY mode off or before the monitor is initialized.
func (m *ModeManager) SaveMonitorState(ctx context.Context) error {
	if m.states == nil || m.monitor == nil || !m.monitor.Initialized() {
		return nil
	}
	p, ok := m.Active()
	if !ok {
		return nil
	}
	state := m.monitor.State()
	state.ProfileID = p.ID
	if err := m.states.SaveMonitorState(ctx, state); err != nil {
		return fmt.Errorf("failed to save drawdown state: %w", err)
	}
	return nil
}

// forgetMonitor drops the persisted monitor of each profile id.
func (m *ModeManager) forgetMonitor(ctx context.Context, ids ...string) error {
	if m.states == nil {
		return nil
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := m.states.DeleteMonitorState(ctx, id); err != nil {
			return fmt.Errorf("failed to clear drawdown state: %w", err)
		}
	}
	return nil
}

func newProfileID() string {
	return ulid.Make().String()
}

func (m *ModeManager) persist(ctx context.Context) error {
	if err := m.store.SaveProfiles(ctx, m.List()); err != nil {
		return fmt.Errorf("failed to save profiles: %w", err)
	}
	return nil
}

// List returns all profiles sorted by creation time then name.
func (m *ModeManager) List() []models.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns a profile by id, or by case-insensitive name.
func (m *ModeManager) Get(idOrName string) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.profiles[idOrName]; ok {
		return p, nil
	}
	for _, p := range m.profiles {
		if strings.EqualFold(p.Name, idOrName) {
			return p, nil
		}
	}
	return models.Profile{}, fmt.Errorf("%w: %s", apperrors.ErrProfileNotFound, idOrName)
}

// Create validates and stores a new profile with a fresh id.
func (m *ModeManager) Create(ctx context.Context, p models.Profile) (models.Profile, error) {
	if err := ValidateProfile(p); err != nil {
		return models.Profile{}, err
	}
	now := m.now().UTC()
	p.ID = newProfileID()
	p.CreatedAt, p.UpdatedAt = now, now

	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()

	m.log.Info().Str("profile", p.Name).Str("id", p.ID).Msg("Profile created")
	return p, m.persist(ctx)
}

// Update replaces an existing profile. Updating the active profile resets
// the drawdown monitor so new limits take effect from a clean baseline.
func (m *ModeManager) Update(ctx context.Context, p models.Profile) (models.Profile, error) {
	if err := ValidateProfile(p); err != nil {
		return models.Profile{}, err
	}

	m.mu.Lock()
	existing, ok := m.profiles[p.ID]
	if !ok {
		m.mu.Unlock()
		return models.Profile{}, fmt.Errorf("%w: %s", apperrors.ErrProfileNotFound, p.ID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = m.now().UTC()
	m.profiles[p.ID] = p
	wasActive := m.activeID == p.ID
	m.mu.Unlock()

	if wasActive {
		m.resetMonitor()
		if err := m.forgetMonitor(ctx, p.ID); err != nil {
			return p, err
		}
	}
	return p, m.persist(ctx)
}

// Delete removes a profile, deactivating it first if it is active.
func (m *ModeManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.profiles[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrProfileNotFound, id)
	}
	delete(m.profiles, id)
	wasActive := m.activeID == id
	if wasActive {
		m.activeID = ""
	}
	m.mu.Unlock()

	if wasActive {
		m.resetMonitor()
		if err := m.store.SaveActiveProfile(ctx, ""); err != nil {
			return err
		}
	}
	if err := m.forgetMonitor(ctx, id); err != nil {
		return err
	}
	return m.persist(ctx)
}

// Activate turns FXIFY mode on with the given profile. Switching profiles
// resets the drawdown monitor.
func (m *ModeManager) Activate(ctx context.Context, idOrName string) (models.Profile, error) {
	p, err := m.Get(idOrName)
	if err != nil {
		return models.Profile{}, err
	}

	m.mu.Lock()
	was := m.activeID
	m.activeID = p.ID
	m.mu.Unlock()

	m.resetMonitor()
	if err := m.forgetMonitor(ctx, was, p.ID); err != nil {
		return p, err
	}
	m.log.Info().Str("profile", p.Name).Str("id", p.ID).Msg("FXIFY mode activated")
	return p, m.store.SaveActiveProfile(ctx, p.ID)
}

// Deactivate turns FXIFY mode off and resets the drawdown monitor.
func (m *ModeManager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	was := m.activeID
	m.activeID = ""
	m.mu.Unlock()

	m.resetMonitor()
	if was != "" {
		m.log.Info().Str("id", was).Msg("FXIFY mode deactivated")
	}
	if err := m.forgetMonitor(ctx, was); err != nil {
		return err
	}
	return m.store.SaveActiveProfile(ctx, "")
}

// Active returns the active profile.
func (m *ModeManager) Active() (models.Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return models.Profile{}, false
	}
	p, ok := m.profiles[m.activeID]
	return p, ok
}

// IsActive reports whether FXIFY mode is on.
func (m *ModeManager) IsActive() bool {
	_, ok := m.Active()
	return ok
}

func (m *ModeManager) resetMonitor() {
	if m.monitor != nil {
		m.monitor.Reset()
	}
}
