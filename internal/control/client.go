package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const dialTimeout = 2 * time.Second

// Client is a thin one-request-per-connection client for Server.
type Client struct {
	socketPath string
}

// NewClient constructs a Client dialing socketPath on every call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("control: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("control: encode request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: decode response: %w", err)
	}
	if resp.Error != "" {
		return Response{}, fmt.Errorf("control: %s", resp.Error)
	}
	return resp, nil
}

// ListDevices fetches every registered device's current status.
func (c *Client) ListDevices() ([]DeviceStatus, error) {
	resp, err := c.call(Request{Command: "list_devices"})
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// SendFeedback triggers an ad-hoc feedback burst on deviceID.
func (c *Client) SendFeedback(deviceID string, ledColor *string, ledDurationS, beepCount int, displayText string) error {
	_, err := c.call(Request{
		Command:      "send_feedback",
		DeviceID:     deviceID,
		LEDColor:     ledColor,
		LEDDurationS: ledDurationS,
		BeepCount:    beepCount,
		DisplayText:  displayText,
	})
	return err
}

// TailTrace fetches the most recent limit trace entries (0 means all
// retained entries).
func (c *Client) TailTrace(limit int) ([]TraceEntry, error) {
	resp, err := c.call(Request{Command: "tail_trace", TraceLimit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
