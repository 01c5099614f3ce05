package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// ScanResult is the persisted outcome of a full-region sweep.
type ScanResult struct {
	ScannedAt time.Time                  `json:"scanned_at"`
	Regions   []string                   `json:"regions"`
	Resources []provider.ManagedResource `json:"resources"`

	// Orphans are managed resources the tracker has no record of. They
	// usually mean a crash between creation and registration, or manual
	// meddling in the console.
	Orphans []provider.ManagedResource `json:"orphans,omitempty"`
}

// ScanPayload narrows a scan to specific regions. Empty means every region
// the provider knows.
type ScanPayload struct {
	Regions []string `json:"regions,omitempty"`
}

// Scanner sweeps provider regions for managed resources and caches the
// result. The region list is discovered at runtime, so progress events carry
// no total: consumers must render the scan as indeterminate.
type Scanner struct {
	deps      Deps
	cachePath string
	logger    *telemetry.Logger
}

// NewScanner creates a scanner that writes its cache under dataDir.
func NewScanner(deps Deps, dataDir string) *Scanner {
	return &Scanner{
		deps:      deps,
		cachePath: filepath.Join(dataDir, "scan_cache.json"),
		logger:    deps.Logger.NewComponentLogger("scanner"),
	}
}

// CachePath returns where the last scan result is stored.
func (s *Scanner) CachePath() string { return s.cachePath }

// LoadCache returns the last persisted scan result, if any.
func (s *Scanner) LoadCache() (*ScanResult, error) {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, err
	}
	var result ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing scan cache: %w", err)
	}
	return &result, nil
}

// Scan sweeps the requested regions (or all of them), persists the cache,
// and reports each region as one progress step.
func (s *Scanner) Scan(ctx context.Context, requestID string, only []string) (*ScanResult, error) {
	log := s.logger.WithRequestID(requestID)

	regions := only
	if len(regions) == 0 {
		var err error
		regions, err = s.deps.Provider.Regions(ctx)
		if err != nil {
			s.publishEvent(bus.StatusEvent{
				RequestID: requestID,
				Phase:     bus.PhaseFailed,
				Message:   fmt.Sprintf("listing regions: %v", err),
			})
			return nil, NewTransientError("listing regions", err)
		}
	}

	s.publishEvent(bus.StatusEvent{
		RequestID: requestID,
		Phase:     bus.PhaseStarted,
		Message:   fmt.Sprintf("scanning %d region(s)", len(regions)),
	})
	log.WithField("regions", len(regions)).Info("scan started")

	result := &ScanResult{
		ScannedAt: time.Now().UTC(),
		Regions:   regions,
	}
	for i, region := range regions {
		found, err := s.deps.Provider.ListManaged(ctx, region)
		if err != nil {
			s.publishEvent(bus.StatusEvent{
				RequestID: requestID,
				Phase:     bus.PhaseFailed,
				Step:      bus.IntPtr(i + 1),
				Message:   fmt.Sprintf("scanning %s: %v", region, err),
			})
			log.WithField("region", region).WithError(err).Error("region scan failed")
			return nil, NewTransientError("scanning region "+region, err)
		}
		result.Resources = append(result.Resources, found...)

		deltas := make([]bus.ResourceDelta, 0, len(found))
		for _, r := range found {
			deltas = append(deltas, bus.ResourceDelta{
				Slot:       r.Kind,
				ProviderID: r.ProviderID,
				Status:     "discovered",
			})
		}
		s.publishEvent(bus.StatusEvent{
			RequestID:      requestID,
			Phase:          bus.PhaseProgress,
			Step:           bus.IntPtr(i + 1),
			Message:        fmt.Sprintf("scanned %s: %d resource(s)", region, len(found)),
			ResourceDeltas: deltas,
		})
	}

	orphans, err := s.findOrphans(ctx, result.Resources)
	if err != nil {
		log.WithError(err).Warn("orphan detection failed")
	}
	result.Orphans = orphans

	if err := s.saveCache(result); err != nil {
		log.WithError(err).Warn("saving scan cache")
	}
	if n, err := s.deps.Tracker.Count(ctx); err == nil {
		s.deps.Metrics.SetTrackedResources(n)
	}

	s.publishEvent(bus.StatusEvent{
		RequestID: requestID,
		Phase:     bus.PhaseCompleted,
		Message: fmt.Sprintf("scan completed: %d resource(s), %d orphan(s)",
			len(result.Resources), len(result.Orphans)),
	})
	log.WithField("resources", len(result.Resources)).
		WithField("orphans", len(result.Orphans)).
		Info("scan completed")
	return result, nil
}

func (s *Scanner) findOrphans(ctx context.Context, found []provider.ManagedResource) ([]provider.ManagedResource, error) {
	tracked, err := s.deps.Tracker.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(tracked))
	for _, e := range tracked {
		known[e.ProviderID] = true
	}

	var orphans []provider.ManagedResource
	for _, r := range found {
		if !known[r.ProviderID] {
			orphans = append(orphans, r)
		}
	}
	return orphans, nil
}

func (s *Scanner) saveCache(result *ScanResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.cachePath)
}

func (s *Scanner) publishEvent(ev bus.StatusEvent) {
	if err := bus.PublishStatus(s.deps.Bus, ev); err != nil {
		s.logger.WithError(err).Warn("publishing status event")
	}
}
