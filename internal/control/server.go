package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/openosdp/gateway/pkg/osdp"
)

const requestTimeout = 5 * time.Second

// Server answers control-socket requests against a live Manager and its
// shared Trace. Manager.ListDevices and Manager.SendFeedback already
// serialize their own state, so Server itself holds no locks.
type Server struct {
	socketPath string
	mgr        *osdp.Manager
	trace      *osdp.Trace
	log        *slog.Logger

	listener net.Listener
}

// NewServer constructs a Server bound to socketPath. trace may be nil
// when packet tracing is disabled, in which case tail_trace always
// returns zero entries.
func NewServer(socketPath string, mgr *osdp.Manager, trace *osdp.Trace, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{socketPath: socketPath, mgr: mgr, trace: trace, log: log}
}

// Serve removes any stale socket file, listens, and accepts connections
// until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}
	s.listener = l
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.writeErr(conn, fmt.Sprintf("decode request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Command {
	case "list_devices":
		s.handleListDevices(conn)
	case "send_feedback":
		s.handleSendFeedback(ctx, conn, req)
	case "tail_trace":
		s.handleTailTrace(conn, req)
	default:
		s.writeErr(conn, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Server) handleListDevices(conn net.Conn) {
	statuses := s.mgr.ListDevices()
	resp := Response{Devices: make([]DeviceStatus, 0, len(statuses))}
	for _, st := range statuses {
		resp.Devices = append(resp.Devices, DeviceStatus{ID: st.ID, Name: st.Name, Address: st.Address, Online: st.Online})
	}
	s.write(conn, resp)
}

func (s *Server) handleSendFeedback(ctx context.Context, conn net.Conn, req Request) {
	fb := osdp.Feedback{
		LEDDurationS:   req.LEDDurationS,
		BeepCount:      req.BeepCount,
		DisplayMessage: req.DisplayText,
	}
	if req.LEDColor != nil {
		c, err := parseColor(*req.LEDColor)
		if err != nil {
			s.writeErr(conn, err.Error())
			return
		}
		fb.LEDColor = &c
	}
	if err := s.mgr.SendFeedback(ctx, req.DeviceID, fb); err != nil {
		s.writeErr(conn, err.Error())
		return
	}
	s.write(conn, Response{})
}

func (s *Server) handleTailTrace(conn net.Conn, req Request) {
	if s.trace == nil {
		s.write(conn, Response{})
		return
	}
	entries := s.trace.Snapshot(osdp.TraceFilter{})
	limit := req.TraceLimit
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	entries = entries[len(entries)-limit:]

	resp := Response{Entries: make([]TraceEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, TraceEntry{
			Connection: e.Connection,
			Address:    e.Address,
			Direction:  e.Direction.String(),
			Kind:       e.Kind.String(),
			TimestampS: e.Timestamp.UnixNano(),
			RawHex:     fmt.Sprintf("%x", e.Raw),
		})
	}
	s.write(conn, resp)
}

func (s *Server) write(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("control: failed writing response", "error", err)
	}
}

func (s *Server) writeErr(conn net.Conn, msg string) {
	s.write(conn, Response{Error: msg})
}

func parseColor(name string) (osdp.Color, error) {
	switch name {
	case "black":
		return osdp.Black, nil
	case "red":
		return osdp.Red, nil
	case "green":
		return osdp.Green, nil
	case "amber":
		return osdp.Amber, nil
	case "blue":
		return osdp.Blue, nil
	default:
		return 0, fmt.Errorf("control: unknown led color %q", name)
	}
}
