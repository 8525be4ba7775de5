package services

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-where/mocks"
	"go-where/models"
	"go-where/utils/errors"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sample(lat, lon float64, at time.Duration) models.LocationSample {
	return models.LocationSample{Lat: lat, Lon: lon, Accuracy: 5, Timestamp: t0.Add(at)}
}

func TestReporter_DistanceAndHeartbeatFilter(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	r := NewLocationReporter("a@x.com", st, nil, nil, DefaultReporterOptions())
	ctx := context.Background()

	written, err := r.Report(ctx, sample(10, 20, 0))
	require.NoError(t, err)
	assert.True(t, written)

	// about 1.5 m away
	written, err = r.Report(ctx, sample(10.00001, 20.00001, 5*time.Second))
	require.NoError(t, err)
	assert.False(t, written)

	// about 111 m away
	written, err = r.Report(ctx, sample(10.001, 20, 10*time.Second))
	require.NoError(t, err)
	assert.True(t, written)

	// stationary, but the heartbeat is due
	written, err = r.Report(ctx, sample(10.001, 20, 75*time.Second))
	require.NoError(t, err)
	assert.True(t, written)

	// older than the last write
	written, err = r.Report(ctx, sample(11, 21, 30*time.Second))
	require.NoError(t, err)
	assert.False(t, written)

	u, err := st.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.Coordinate{Lat: 10.001, Lon: 20}, *u.Location.Coordinate())
	assert.Equal(t, *u.Location.Coordinate(), *u.LastKnownLocation.Coordinate())
	assert.False(t, u.LastSeen.IsZero())
}

func TestReporter_FailedWriteKeepsReferencePoint(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	r := NewLocationReporter("a@x.com", st, nil, nil, DefaultReporterOptions())
	ctx := context.Background()

	_, err := r.Report(ctx, sample(10, 20, 0))
	require.NoError(t, err)

	st.SetWriteError(stderrors.New("timeout"))
	written, err := r.Report(ctx, sample(10.001, 20, time.Second))
	assert.False(t, written)
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))

	st.SetWriteError(nil)
	// close to the failed sample, far from the last written one
	written, err = r.Report(ctx, sample(10.001, 20.00001, 2*time.Second))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestReporter_InvalidCoordinates(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	r := NewLocationReporter("a@x.com", st, nil, nil, DefaultReporterOptions())

	_, err := r.Report(context.Background(), sample(95, 0, 0))
	assert.True(t, errors.Is(err, errors.ErrInvalidLocation))
}

func TestReporter_ClearKeepsLastKnown(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	geo := new(mocks.MockGeoIndexer)
	geo.On("Index", mock.Anything, "a@x.com", models.Coordinate{Lat: 10, Lon: 20}).Return(nil).Twice()
	geo.On("Remove", mock.Anything, "a@x.com").Return(nil).Once()
	r := NewLocationReporter("a@x.com", st, geo, nil, DefaultReporterOptions())
	ctx := context.Background()

	_, err := r.Report(ctx, sample(10, 20, 0))
	require.NoError(t, err)
	require.NoError(t, r.Clear(ctx))

	u, err := st.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, u.Location)
	assert.Equal(t, models.Coordinate{Lat: 10, Lon: 20}, *u.LastKnownLocation.Coordinate())

	// sharing again writes immediately
	written, err := r.Report(ctx, sample(10, 20, time.Second))
	require.NoError(t, err)
	assert.True(t, written)

	geo.AssertExpectations(t)
}

func TestReporter_GeoFailureIsNotFatal(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	geo := new(mocks.MockGeoIndexer)
	geo.On("Index", mock.Anything, mock.Anything, mock.Anything).Return(stderrors.New("redis down"))
	r := NewLocationReporter("a@x.com", st, geo, nil, DefaultReporterOptions())

	written, err := r.Report(context.Background(), sample(1, 1, 0))
	require.NoError(t, err)
	assert.True(t, written)
}

type fakeSource struct {
	samples chan models.LocationSample
	denied  atomic.Bool
}

func (f *fakeSource) Samples() <-chan models.LocationSample { return f.samples }

func (f *fakeSource) Permission() Permission {
	if f.denied.Load() {
		return PermissionDenied
	}
	return PermissionGranted
}

func TestReporter_RunReportsErrorsUpward(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	r := NewLocationReporter("a@x.com", st, nil, nil, DefaultReporterOptions())
	src := &fakeSource{samples: make(chan models.LocationSample)}
	errs := make(chan error, 10)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, src, errs) }()

	src.samples <- sample(10, 20, 0)
	src.samples <- sample(95, 20, time.Second)
	assert.True(t, errors.Is(<-errs, errors.ErrInvalidLocation))

	src.denied.Store(true)
	src.samples <- sample(11, 20, 2*time.Second)
	src.samples <- sample(12, 20, 3*time.Second)
	assert.True(t, errors.Is(<-errs, errors.ErrPermissionDenied))

	src.denied.Store(false)
	src.samples <- sample(13, 20, 4*time.Second)
	close(src.samples)
	require.NoError(t, <-done)
	assert.Empty(t, errs)

	u, err := st.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.Coordinate{Lat: 13, Lon: 20}, *u.Location.Coordinate())
}

func TestLocationService_OneReporterPerUser(t *testing.T) {
	st := newMemoryStore(t, "a@x.com")
	svc := NewLocationService(st, nil, nil, DefaultReporterOptions())

	assert.Same(t, svc.Reporter("a@x.com"), svc.Reporter(" A@x.com"))

	written, err := svc.Report(context.Background(), "a@x.com", sample(1, 1, 0))
	require.NoError(t, err)
	assert.True(t, written)
	written, err = svc.Report(context.Background(), "a@x.com", sample(1, 1, time.Second))
	require.NoError(t, err)
	assert.False(t, written)

	svc.Forget("a@x.com")
	written, err = svc.Report(context.Background(), "a@x.com", sample(1, 1, 2*time.Second))
	require.NoError(t, err)
	assert.True(t, written)

	require.NoError(t, svc.Clear(context.Background(), "a@x.com"))
	_, err = svc.Report(context.Background(), "ghost@x.com", sample(1, 1, 0))
	assert.True(t, errors.Is(err, errors.ErrUserNotFound))
}

func TestLocationService_SweepDropsIdleReporters(t *testing.T) {
	st := newMemoryStore(t, "a@x.com", "b@x.com")
	svc := NewLocationService(st, nil, nil, DefaultReporterOptions())
	ctx := context.Background()

	_, err := svc.Report(ctx, "a@x.com", sample(1, 1, 0))
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, "b@x.com"))
	require.Equal(t, 2, svc.Len())

	assert.Equal(t, 0, svc.Sweep(time.Now()))
	assert.Equal(t, 2, svc.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, svc.Len())

	svc.Reporter("a@x.com")
	svc.Forget("A@x.com")
	assert.Equal(t, 0, svc.Len())
}
