package osdp

import (
	"net"
	"testing"
)

type fakePortService struct {
	opened map[string]net.Conn
}

func newFakePortService() *fakePortService {
	return &fakePortService{opened: make(map[string]net.Conn)}
}

func (p *fakePortService) PortExists(path string) bool { return true }

func (p *fakePortService) Open(path string, baud BaudRate) (Transport, error) {
	client, server := net.Pipe()
	p.opened[path] = server
	return client, nil
}

func testDeviceConfig(id, connection string, address uint8) DeviceConfig {
	return DeviceConfig{
		ID:               id,
		Name:             id,
		Address:          address,
		ConnectionString: connection,
		Baud:             Baud9600,
		Mode:             ClearText,
	}
}

func TestManagerAddDeviceRejectsDuplicateID(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	cfg := testDeviceConfig("r1", "/dev/ttyUSB0", 1)
	if err := mgr.AddDevice(cfg); err != nil {
		t.Fatalf("first AddDevice failed: %v", err)
	}
	if err := mgr.AddDevice(cfg); err == nil {
		t.Fatal("expected duplicate ID to be rejected")
	}
}

func TestManagerAddDeviceRejectsDuplicateAddressOnConnection(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	if err := mgr.AddDevice(testDeviceConfig("r1", "/dev/ttyUSB0", 1)); err != nil {
		t.Fatalf("AddDevice r1: %v", err)
	}
	if err := mgr.AddDevice(testDeviceConfig("r2", "/dev/ttyUSB0", 1)); err == nil {
		t.Fatal("expected duplicate address on the same connection to be rejected")
	}
}

func TestManagerAddDeviceRejectsMismatchedBaudOnSameConnection(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	if err := mgr.AddDevice(testDeviceConfig("r1", "/dev/ttyUSB0", 1)); err != nil {
		t.Fatalf("AddDevice r1: %v", err)
	}
	cfg := testDeviceConfig("r2", "/dev/ttyUSB0", 2)
	cfg.Baud = Baud19200
	if err := mgr.AddDevice(cfg); err == nil {
		t.Fatal("expected a baud mismatch on a shared connection to be rejected")
	}
}

func TestManagerListDevicesReturnsSortedStatuses(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	if err := mgr.AddDevice(testDeviceConfig("r2", "/dev/ttyUSB0", 2)); err != nil {
		t.Fatalf("AddDevice r2: %v", err)
	}
	if err := mgr.AddDevice(testDeviceConfig("r1", "/dev/ttyUSB1", 1)); err != nil {
		t.Fatalf("AddDevice r1: %v", err)
	}

	statuses := mgr.ListDevices()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].ID != "r1" || statuses[1].ID != "r2" {
		t.Fatalf("expected sorted order [r1, r2], got %+v", statuses)
	}
	if statuses[0].Online {
		t.Fatal("a freshly added, unstarted device must not report online")
	}
}

func TestManagerRemoveDeviceFreesAddress(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	if err := mgr.AddDevice(testDeviceConfig("r1", "/dev/ttyUSB0", 1)); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := mgr.RemoveDevice("r1"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if err := mgr.AddDevice(testDeviceConfig("r2", "/dev/ttyUSB0", 1)); err != nil {
		t.Fatalf("expected address 1 to be free for reuse: %v", err)
	}
}

func TestManagerSendFeedbackRejectsUnknownDevice(t *testing.T) {
	mgr := NewManager(newFakePortService(), nil, nil, nil, nil, nil)
	if err := mgr.SendFeedback(nil, "ghost", Feedback{}); err == nil {
		t.Fatal("expected an error for an unregistered device")
	}
}
