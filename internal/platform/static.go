package platform

import (
	"context"
	"sync"
	"time"
)

// Static is an in-memory Platform for hosts without a device bridge. Values
// are set by configuration or the local API.
type Static struct {
	mu           sync.Mutex
	runtime      Runtime
	battery      Battery
	connectivity Connectivity
	position     *Position
	positionErr  error
	serviceOn    bool
	locationPerm PermissionState
	notifyPerm   PermissionState
	now          func() time.Time
}

// NewStatic creates a static platform with permissions granted and no fix.
func NewStatic(runtime Runtime) *Static {
	return &Static{
		runtime:      runtime,
		battery:      Battery{Level: 100},
		connectivity: Connectivity{Type: "unknown"},
		serviceOn:    true,
		locationPerm: PermissionGranted,
		notifyPerm:   PermissionGranted,
		now:          time.Now,
	}
}

// SetPosition sets the fix returned by position calls.
func (s *Static) SetPosition(lat, lon, accuracy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = &Position{Latitude: lat, Longitude: lon, Accuracy: accuracy, Timestamp: s.now()}
	s.positionErr = nil
}

// SetPositionError makes position calls fail with err.
func (s *Static) SetPositionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionErr = err
}

// SetBattery sets the battery reading.
func (s *Static) SetBattery(b Battery) {
	s.mu.Lock()
	s.battery = b
	s.mu.Unlock()
}

// SetConnectivity sets the network reading.
func (s *Static) SetConnectivity(c Connectivity) {
	s.mu.Lock()
	s.connectivity = c
	s.mu.Unlock()
}

// SetLocationService toggles the location service.
func (s *Static) SetLocationService(on bool) {
	s.mu.Lock()
	s.serviceOn = on
	s.mu.Unlock()
}

// SetPermissions sets location and notification permission state.
func (s *Static) SetPermissions(location, notifications PermissionState) {
	s.mu.Lock()
	s.locationPerm = location
	s.notifyPerm = notifications
	s.mu.Unlock()
}

func (s *Static) Runtime() Runtime { return s.runtime }

func (s *Static) Connectivity(ctx context.Context) (Connectivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity, nil
}

func (s *Static) Battery(ctx context.Context) (Battery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, nil
}

func (s *Static) LocationServiceEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceOn, nil
}

func (s *Static) LocationPermission(ctx context.Context) (PermissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationPerm, nil
}

func (s *Static) NotificationPermission(ctx context.Context) (PermissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyPerm, nil
}

// RequestLocationPermission has no prompt to show; it reports the current state.
func (s *Static) RequestLocationPermission(ctx context.Context) (PermissionState, error) {
	return s.LocationPermission(ctx)
}

// RequestNotificationPermission reports the current state.
func (s *Static) RequestNotificationPermission(ctx context.Context) (PermissionState, error) {
	return s.NotificationPermission(ctx)
}

func (s *Static) LastKnownPosition(ctx context.Context) (*Position, error) {
	return s.CurrentPosition(ctx)
}

func (s *Static) CurrentPosition(ctx context.Context) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positionErr != nil {
		return nil, s.positionErr
	}
	if !s.serviceOn {
		return nil, ErrServiceDisabled
	}
	if !s.locationPerm.Granted() {
		return nil, ErrPermissionDenied
	}
	if s.position == nil {
		return nil, ErrNoPosition
	}
	p := *s.position
	p.Timestamp = s.now()
	return &p, nil
}
