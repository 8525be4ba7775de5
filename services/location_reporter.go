package services

import (
	"context"
	"log"
	"sync"
	"time"

	"go-where/identity"
	"go-where/metrics"
	"go-where/models"
	"go-where/store"
	"go-where/utils/errors"
)

type Permission int

const (
	PermissionGranted Permission = iota
	PermissionDenied
)

// Source is a device location feed. Permission is checked per sample.
type Source interface {
	Samples() <-chan models.LocationSample
	Permission() Permission
}

type ReporterOptions struct {
	// MinDistance in metres a sample must move from the last written one.
	MinDistance float64
	// HeartbeatInterval forces a write for a stationary user so last_seen
	// stays fresh.
	HeartbeatInterval time.Duration
}

func DefaultReporterOptions() ReporterOptions {
	return ReporterOptions{MinDistance: 10, HeartbeatInterval: 60 * time.Second}
}

// LocationReporter writes one user's samples to the store, dropping those
// that barely moved since the last successful write.
type LocationReporter struct {
	key   string
	store store.Store
	geo   GeoIndexer
	cache UserCache
	opts  ReporterOptions
	now   func() time.Time

	mu   sync.Mutex
	last *models.LocationSample
	used time.Time
}

func NewLocationReporter(key string, st store.Store, geo GeoIndexer, cache UserCache, opts ReporterOptions) *LocationReporter {
	return &LocationReporter{
		key:   identity.NormalizeKey(key),
		store: st,
		geo:   geo,
		cache: cache,
		opts:  opts,
		now:   time.Now,
	}
}

// Report writes sample unless it is filtered. It returns whether a write
// happened. Failed writes are not retried and do not move the filter's
// reference point.
func (r *LocationReporter) Report(ctx context.Context, sample models.LocationSample) (bool, error) {
	c := sample.Coordinate()
	if !c.Valid() {
		metrics.IncLocationSample(metrics.SampleFailed)
		return false, errors.ErrInvalidLocation
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = r.now()

	if r.suppress(sample) {
		metrics.IncLocationSample(metrics.SampleSuppressed)
		return false, nil
	}
	if err := r.store.UpdateLocation(ctx, r.key, c); err != nil {
		metrics.IncLocationSample(metrics.SampleFailed)
		return false, err
	}
	r.last = &sample
	metrics.IncLocationSample(metrics.SampleWritten)

	if r.geo != nil {
		if err := r.geo.Index(ctx, r.key, c); err != nil {
			log.Printf("Failed to update geo index for %s: %v", r.key, err)
		}
	}
	r.invalidate(ctx)
	return true, nil
}

func (r *LocationReporter) suppress(sample models.LocationSample) bool {
	if r.last == nil {
		return false
	}
	elapsed := sample.Timestamp.Sub(r.last.Timestamp)
	if elapsed < 0 {
		return true
	}
	moved := r.last.Coordinate().DistanceTo(sample.Coordinate())
	return moved < r.opts.MinDistance && elapsed < r.opts.HeartbeatInterval
}

// Clear stops sharing: the live location is removed, the last known one
// stays.
func (r *LocationReporter) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = r.now()

	if err := r.store.ClearLocation(ctx, r.key); err != nil {
		return err
	}
	r.last = nil
	if r.geo != nil {
		if err := r.geo.Remove(ctx, r.key); err != nil {
			log.Printf("Failed to remove %s from geo index: %v", r.key, err)
		}
	}
	r.invalidate(ctx)
	return nil
}

// Run reports samples from src until it is drained or ctx ends. Errors go
// to errs when it is non-nil. Losing permission clears the live location
// once and drops samples until permission is back.
func (r *LocationReporter) Run(ctx context.Context, src Source, errs chan<- error) error {
	denied := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-src.Samples():
			if !ok {
				return nil
			}

			if src.Permission() == PermissionDenied {
				if denied {
					continue
				}
				denied = true
				if err := r.Clear(ctx); err != nil {
					log.Printf("Failed to clear location for %s: %v", r.key, err)
				}
				if !report(ctx, errs, errors.ErrPermissionDenied) {
					return ctx.Err()
				}
				continue
			}
			denied = false

			if _, err := r.Report(ctx, sample); err != nil {
				if !report(ctx, errs, err) {
					return ctx.Err()
				}
			}
		}
	}
}

func report(ctx context.Context, errs chan<- error, err error) bool {
	if errs == nil {
		return true
	}
	select {
	case errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *LocationReporter) invalidate(ctx context.Context) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, r.key)
	}
}

// LocationService hands out one reporter per user so the distance filter
// holds across requests and connections.
type LocationService struct {
	store store.Store
	geo   GeoIndexer
	cache UserCache
	opts  ReporterOptions

	mu        sync.Mutex
	reporters map[string]*LocationReporter
}

func NewLocationService(st store.Store, geo GeoIndexer, cache UserCache, opts ReporterOptions) *LocationService {
	return &LocationService{
		store:     st,
		geo:       geo,
		cache:     cache,
		opts:      opts,
		reporters: make(map[string]*LocationReporter),
	}
}

func (s *LocationService) Reporter(key string) *LocationReporter {
	key = identity.NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reporters[key]
	if !ok {
		r = NewLocationReporter(key, s.store, s.geo, s.cache, s.opts)
		s.reporters[key] = r
	}
	return r
}

func (s *LocationService) Report(ctx context.Context, key string, sample models.LocationSample) (bool, error) {
	return s.Reporter(key).Report(ctx, sample)
}

func (s *LocationService) Clear(ctx context.Context, key string) error {
	return s.Reporter(key).Clear(ctx)
}

// Forget drops the reporter state of key, e.g. on sign-out.
func (s *LocationService) Forget(key string) {
	s.mu.Lock()
	delete(s.reporters, identity.NormalizeKey(key))
	s.mu.Unlock()
}

// Sweep drops reporters unused for longer than the heartbeat interval. Their
// next sample would be written anyway, so no filtering is lost.
func (s *LocationService) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, r := range s.reporters {
		r.mu.Lock()
		idle := now.Sub(r.used) > s.opts.HeartbeatInterval
		r.mu.Unlock()
		if idle {
			delete(s.reporters, key)
			dropped++
		}
	}
	return dropped
}

// RunSweeper calls Sweep every heartbeat interval until ctx ends.
func (s *LocationService) RunSweeper(ctx context.Context) {
	if s.opts.HeartbeatInterval <= 0 {
		return
	}
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Sweep(now); n > 0 {
				log.Printf("Dropped %d idle location reporters", n)
			}
		}
	}
}

// Len is the number of users with reporter state.
func (s *LocationService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reporters)
}
