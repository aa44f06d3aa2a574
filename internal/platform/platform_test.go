package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in   string
		want PermissionState
	}{
		{"granted", PermissionGranted},
		{"whileInUse", PermissionGranted},
		{"always", PermissionGranted},
		{"restricted", PermissionRestricted},
		{"denied", PermissionDenied},
		{"deniedForever", PermissionDenied},
		{"", PermissionDenied},
	}

	for _, tt := range tests {
		if got := ParsePermission(tt.in); got != tt.want {
			t.Errorf("ParsePermission(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBridgeHandleEvent(t *testing.T) {
	b := NewBridge(DefaultBridgeConfig())
	ctx := context.Background()

	if err := b.handleEvent(TopicBattery, []byte(`{"level":42,"charging":true}`)); err != nil {
		t.Fatalf("battery event failed: %v", err)
	}
	if err := b.handleEvent(TopicConnectivity, []byte(`{"type":"cellular","signal_strength":3}`)); err != nil {
		t.Fatalf("connectivity event failed: %v", err)
	}
	if err := b.handleEvent(TopicLocation, []byte(`{"latitude":35.6,"longitude":139.7,"accuracy":12}`)); err != nil {
		t.Fatalf("location event failed: %v", err)
	}
	if err := b.handleEvent(TopicPermissions, []byte(`{"location":"whileInUse","location_service":true,"notifications":"denied"}`)); err != nil {
		t.Fatalf("permissions event failed: %v", err)
	}
	if err := b.handleEvent(TopicBattery, []byte(`{bad`)); err == nil {
		t.Error("Expected error for malformed event")
	}

	battery, _ := b.Battery(ctx)
	if battery.Level != 42 || !battery.Charging {
		t.Errorf("Battery mismatch: got %+v", battery)
	}
	conn, _ := b.Connectivity(ctx)
	if conn.Type != "cellular" || conn.SignalStrength != 3 {
		t.Errorf("Connectivity mismatch: got %+v", conn)
	}
	pos, err := b.LastKnownPosition(ctx)
	if err != nil {
		t.Fatalf("LastKnownPosition failed: %v", err)
	}
	if pos.Latitude != 35.6 {
		t.Errorf("Latitude mismatch: got %v, want 35.6", pos.Latitude)
	}
	perm, err := b.LocationPermission(ctx)
	if err != nil || perm != PermissionGranted {
		t.Errorf("LocationPermission mismatch: got %v (%v)", perm, err)
	}
	notif, _ := b.NotificationPermission(ctx)
	if notif != PermissionDenied {
		t.Errorf("NotificationPermission mismatch: got %v", notif)
	}
}

func TestBridgeCommandNotRunning(t *testing.T) {
	b := NewBridge(DefaultBridgeConfig())
	if _, err := b.CurrentPosition(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestDecodeReply(t *testing.T) {
	var pos Position
	if err := decodeReply([][]byte{[]byte("ok"), []byte(`{"latitude":1,"longitude":2,"accuracy":3}`)}, &pos); err != nil {
		t.Fatalf("decodeReply failed: %v", err)
	}
	if pos.Longitude != 2 {
		t.Errorf("Longitude mismatch: got %v, want 2", pos.Longitude)
	}

	tests := []struct {
		code string
		want error
	}{
		{"permission_denied", ErrPermissionDenied},
		{"service_disabled", ErrServiceDisabled},
		{"no_position", ErrNoPosition},
	}
	for _, tt := range tests {
		err := decodeReply([][]byte{[]byte("error"), []byte(`{"code":"` + tt.code + `"}`)}, nil)
		if !errors.Is(err, tt.want) {
			t.Errorf("code %s: got %v, want %v", tt.code, err, tt.want)
		}
	}

	if err := decodeReply(nil, nil); err == nil {
		t.Error("Expected error for empty reply")
	}
	if err := decodeReply([][]byte{[]byte("maybe")}, nil); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestStaticPlatform(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(Runtime{Kind: RuntimeDesktop})

	if _, err := s.CurrentPosition(ctx); !errors.Is(err, ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}

	s.SetPosition(35.0, 139.0, 10)
	pos, err := s.CurrentPosition(ctx)
	if err != nil {
		t.Fatalf("CurrentPosition failed: %v", err)
	}
	if pos.Latitude != 35.0 {
		t.Errorf("Latitude mismatch: got %v, want 35", pos.Latitude)
	}

	s.SetLocationService(false)
	if _, err := s.CurrentPosition(ctx); !errors.Is(err, ErrServiceDisabled) {
		t.Errorf("Expected ErrServiceDisabled, got %v", err)
	}

	s.SetLocationService(true)
	s.SetPermissions(PermissionDenied, PermissionGranted)
	if _, err := s.CurrentPosition(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
}

func TestDetectRuntime(t *testing.T) {
	dir := t.TempDir()
	product := filepath.Join(dir, "product_name")
	if err := os.WriteFile(product, []byte("QEMU Standard PC\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	oldProduct, oldCPU, oldQemu := dmiProductFile, cpuInfoFile, androidQemu
	dmiProductFile = product
	cpuInfoFile = filepath.Join(dir, "missing")
	androidQemu = filepath.Join(dir, "missing")
	defer func() { dmiProductFile, cpuInfoFile, androidQemu = oldProduct, oldCPU, oldQemu }()

	t.Setenv("SHELTERLINK_RUNTIME", "")
	rt := DetectRuntime(RuntimeMobile)
	if !rt.Emulator {
		t.Error("QEMU product name should be detected as emulator")
	}
	if rt.Kind != RuntimeMobile {
		t.Errorf("Kind mismatch: got %v, want mobile", rt.Kind)
	}

	t.Setenv("SHELTERLINK_RUNTIME", "desktop")
	if rt := DetectRuntime(""); rt.Emulator || rt.Kind != RuntimeDesktop {
		t.Errorf("Override ignored: got %+v", rt)
	}
}
