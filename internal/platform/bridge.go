package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "platform")

// BridgeConfig holds configuration for the device bridge connection
type BridgeConfig struct {
	EventURL       string        // SUB socket for state events
	CommandURL     string        // REQ socket for commands
	CommandTimeout time.Duration // Upper bound for one command round trip
	Runtime        Runtime
}

// DefaultBridgeConfig returns default configuration
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		EventURL:       "ipc:///tmp/shelterlink_device_event",
		CommandURL:     "ipc:///tmp/shelterlink_device_command",
		CommandTimeout: 20 * time.Second,
	}
}

// Event topics published by the device bridge
const (
	TopicBattery      = "battery"
	TopicConnectivity = "connectivity"
	TopicLocation     = "location"
	TopicPermissions  = "permissions"
)

// Commands accepted on the command socket
const (
	CmdCurrentPosition   = "current_position"
	CmdLastKnownPosition = "last_known_position"
	CmdRequestPermission = "request_permission"
	CmdPermissionStatus  = "permission_status"
)

const (
	replyOK    = "ok"
	replyError = "error"

	errCodePermissionDenied = "permission_denied"
	errCodeServiceDisabled  = "service_disabled"
	errCodeNoPosition       = "no_position"

	defaultCommandTimeout = 60 * time.Second
)

// permissionsEvent is the payload of a permissions event and of a
// permission_status reply.
type permissionsEvent struct {
	Location        string `json:"location"`
	LocationService bool   `json:"location_service"`
	Notifications   string `json:"notifications"`
}

type commandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bridge is a Platform backed by a device-side daemon reachable over
// ZeroMQ. State events are cached as they arrive; position fixes and
// permission prompts go through the command socket.
type Bridge struct {
	config    BridgeConfig
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cmdMu     sync.Mutex // REQ sockets allow one outstanding request
	mu        sync.Mutex
	running   bool

	battery      Battery
	connectivity Connectivity
	lastKnown    *Position
	permissions  permissionsEvent
	havePerms    bool
}

// NewBridge creates a new device bridge
func NewBridge(config BridgeConfig) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		battery:      Battery{Level: 100},
		connectivity: Connectivity{Type: "unknown"},
	}
}

// Start connects to the device daemon and starts the event loop
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bridge already running")
	}
	b.running = true
	b.mu.Unlock()

	b.eventSock = zmq4.NewSub(b.ctx)
	if err := b.eventSock.Dial(b.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := b.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := b.dialCommand(); err != nil {
		b.eventSock.Close()
		return err
	}

	b.wg.Add(1)
	go b.eventLoop()

	log.WithFields(logrus.Fields{
		"event":   b.config.EventURL,
		"command": b.config.CommandURL,
	}).Info("Device bridge started")
	return nil
}

func (b *Bridge) dialCommand() error {
	sock := zmq4.NewReq(b.ctx)
	if err := sock.Dial(b.config.CommandURL); err != nil {
		return fmt.Errorf("failed to connect command socket: %w", err)
	}
	b.cmdSock = sock
	return nil
}

// Stop stops the bridge and closes connections
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if b.eventSock != nil {
		b.eventSock.Close()
	}
	b.cmdMu.Lock()
	if b.cmdSock != nil {
		b.cmdSock.Close()
	}
	b.cmdMu.Unlock()

	log.Info("Device bridge stopped")
	return nil
}

func (b *Bridge) Runtime() Runtime { return b.config.Runtime }

// eventLoop receives state events from the device daemon
func (b *Bridge) eventLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := b.eventSock.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			continue
		}
		if err := b.handleEvent(string(msg.Frames[0]), msg.Frames[1]); err != nil {
			log.WithError(err).WithField("topic", string(msg.Frames[0])).Warn("Failed to handle device event")
		}
	}
}

// handleEvent applies one state event to the cached readings.
func (b *Bridge) handleEvent(topic string, data []byte) error {
	switch topic {
	case TopicBattery:
		var v Battery
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.mu.Lock()
		b.battery = v
		b.mu.Unlock()
	case TopicConnectivity:
		var v Connectivity
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.mu.Lock()
		b.connectivity = v
		b.mu.Unlock()
	case TopicLocation:
		var v Position
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.mu.Lock()
		b.lastKnown = &v
		b.mu.Unlock()
	case TopicPermissions:
		var v permissionsEvent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.mu.Lock()
		b.permissions = v
		b.havePerms = true
		b.mu.Unlock()
	default:
		log.WithField("topic", topic).Debug("Ignoring device event")
	}
	return nil
}

// command sends one request and waits for the reply. A timed-out REQ socket
// cannot be reused, so it is replaced.
func (b *Bridge) command(ctx context.Context, name string, payload interface{}, out interface{}) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	body := []byte("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		body = data
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	sock := b.cmdSock
	go func() {
		if err := sock.Send(zmq4.NewMsgFrom([]byte(name), body)); err != nil {
			done <- result{err: fmt.Errorf("failed to send command: %w", err)}
			return
		}
		msg, err := sock.Recv()
		if err != nil {
			err = fmt.Errorf("failed to receive response: %w", err)
		}
		done <- result{msg: msg, err: err}
	}()

	timeout := b.config.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return decodeReply(r.msg.Frames, out)
	case <-ctx.Done():
		b.resetCommand()
		return ctx.Err()
	case <-timer.C:
		b.resetCommand()
		return context.DeadlineExceeded
	}
}

func (b *Bridge) resetCommand() {
	b.cmdSock.Close()
	if err := b.dialCommand(); err != nil {
		log.WithError(err).Error("Failed to reconnect command socket")
	}
}

// decodeReply parses [status, json] reply frames.
func decodeReply(frames [][]byte, out interface{}) error {
	if len(frames) == 0 {
		return fmt.Errorf("empty reply")
	}
	status := string(frames[0])
	var body []byte
	if len(frames) > 1 {
		body = frames[1]
	}
	switch status {
	case replyOK:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		return nil
	case replyError:
		var ce commandError
		if len(body) > 0 {
			json.Unmarshal(body, &ce)
		}
		switch ce.Code {
		case errCodePermissionDenied:
			return ErrPermissionDenied
		case errCodeServiceDisabled:
			return ErrServiceDisabled
		case errCodeNoPosition:
			return ErrNoPosition
		}
		return fmt.Errorf("device error %s: %s", ce.Code, ce.Message)
	default:
		return fmt.Errorf("unexpected reply status %q", status)
	}
}

func (b *Bridge) Connectivity(ctx context.Context) (Connectivity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectivity, nil
}

func (b *Bridge) Battery(ctx context.Context) (Battery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.battery, nil
}

func (b *Bridge) permissionState(ctx context.Context) (permissionsEvent, error) {
	b.mu.Lock()
	perms, ok := b.permissions, b.havePerms
	b.mu.Unlock()
	if ok {
		return perms, nil
	}
	var v permissionsEvent
	if err := b.command(ctx, CmdPermissionStatus, nil, &v); err != nil {
		return permissionsEvent{}, err
	}
	b.mu.Lock()
	b.permissions = v
	b.havePerms = true
	b.mu.Unlock()
	return v, nil
}

func (b *Bridge) LocationPermission(ctx context.Context) (PermissionState, error) {
	p, err := b.permissionState(ctx)
	if err != nil {
		return PermissionDenied, err
	}
	return ParsePermission(p.Location), nil
}

func (b *Bridge) LocationServiceEnabled(ctx context.Context) (bool, error) {
	p, err := b.permissionState(ctx)
	if err != nil {
		return false, err
	}
	return p.LocationService, nil
}

func (b *Bridge) NotificationPermission(ctx context.Context) (PermissionState, error) {
	p, err := b.permissionState(ctx)
	if err != nil {
		return PermissionDenied, err
	}
	return ParsePermission(p.Notifications), nil
}

func (b *Bridge) requestPermission(ctx context.Context, which string) (permissionsEvent, error) {
	var v permissionsEvent
	err := b.command(ctx, CmdRequestPermission, map[string]string{"permission": which}, &v)
	if err != nil {
		return permissionsEvent{}, err
	}
	b.mu.Lock()
	b.permissions = v
	b.havePerms = true
	b.mu.Unlock()
	return v, nil
}

func (b *Bridge) RequestLocationPermission(ctx context.Context) (PermissionState, error) {
	v, err := b.requestPermission(ctx, "location")
	if err != nil {
		return PermissionDenied, err
	}
	return ParsePermission(v.Location), nil
}

func (b *Bridge) RequestNotificationPermission(ctx context.Context) (PermissionState, error) {
	v, err := b.requestPermission(ctx, "notifications")
	if err != nil {
		return PermissionDenied, err
	}
	return ParsePermission(v.Notifications), nil
}

// LastKnownPosition prefers the last location event and falls back to
// asking the daemon.
func (b *Bridge) LastKnownPosition(ctx context.Context) (*Position, error) {
	b.mu.Lock()
	if b.lastKnown != nil {
		p := *b.lastKnown
		b.mu.Unlock()
		return &p, nil
	}
	b.mu.Unlock()

	var p Position
	if err := b.command(ctx, CmdLastKnownPosition, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CurrentPosition asks the daemon for a fresh fix. The deadline of ctx is
// passed along so the device stops trying when the caller gives up.
func (b *Bridge) CurrentPosition(ctx context.Context) (*Position, error) {
	req := map[string]int64{}
	if dl, ok := ctx.Deadline(); ok {
		req["timeout_ms"] = time.Until(dl).Milliseconds()
	}
	var p Position
	if err := b.command(ctx, CmdCurrentPosition, req, &p); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.lastKnown = &p
	b.mu.Unlock()
	return &p, nil
}
