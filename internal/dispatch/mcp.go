package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/state"
)

// JSON-RPC error codes used by the MCP surface.
const (
	rpcCodeInvalidRequest = -32600
	rpcCodeInvalidParams  = -32602
	rpcCodeInternal       = -32603
)

// firmwareVersion is the version reported by firmware.checkUpdate until a
// release channel is wired up.
const firmwareVersion = "1.0.0"

// Firmware update states reported by firmware.getStatus.
const (
	firmwareIdle        = "idle"
	firmwareDownloading = "downloading"
)

// mcpHandler implements the closed JSON-RPC method table of the mcp message
// type. Safe for concurrent use.
type mcpHandler struct {
	mu       sync.Mutex
	firmware map[string]string // session id -> update status
	configs  map[string]map[string]any
}

func newMCPHandler() *mcpHandler {
	return &mcpHandler{
		firmware: make(map[string]string),
		configs:  make(map[string]map[string]any),
	}
}

// Handle runs one RPC request against the session and always produces a
// response envelope: method-level failures surface as the error member, never
// as a transport failure.
func (h *mcpHandler) Handle(s *state.Session, req *protocol.RPCRequest) protocol.RPCResponse {
	if req == nil {
		return rpcError(nil, rpcCodeInvalidRequest, "mcp message has no payload")
	}

	resp := protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "device.getInfo":
		resp.Result = h.deviceInfo(s)
	case "device.setConfig":
		return h.setDeviceConfig(s, req)
	case "device.restart":
		resp.Result = map[string]any{"status": "scheduled"}
	case "device.factoryReset":
		resp.Result = map[string]any{"status": "scheduled"}
	case "firmware.checkUpdate":
		resp.Result = map[string]any{
			"current_version":  firmwareVersion,
			"latest_version":   firmwareVersion,
			"update_available": false,
		}
	case "firmware.startUpdate":
		h.mu.Lock()
		h.firmware[s.SessionID] = firmwareDownloading
		h.mu.Unlock()
		resp.Result = map[string]any{"status": "started"}
	case "firmware.getStatus":
		h.mu.Lock()
		status, ok := h.firmware[s.SessionID]
		h.mu.Unlock()
		if !ok {
			status = firmwareIdle
		}
		resp.Result = map[string]any{"status": status}
	case "audio.getConfig":
		resp.Result = s.AudioParams()
	case "audio.setConfig":
		return h.setAudioConfig(s, req)
	default:
		return rpcError(req.ID, rpcCodeInternal, fmt.Sprintf("Unknown method: %s", req.Method))
	}
	return resp
}

// deviceInfo assembles the device.getInfo result from session state.
func (h *mcpHandler) deviceInfo(s *state.Session) map[string]any {
	return map[string]any{
		"device_id":        s.DeviceID,
		"session_id":       s.SessionID,
		"transport":        string(s.Transport),
		"protocol_version": s.ProtocolVersion,
		"device_state":     string(s.DeviceState()),
		"connection_state": string(s.ConnState()),
	}
}

// setDeviceConfig stores an opaque config object for the session.
func (h *mcpHandler) setDeviceConfig(s *state.Session, req *protocol.RPCRequest) protocol.RPCResponse {
	var cfg map[string]any
	if err := json.Unmarshal(req.Params, &cfg); err != nil {
		return rpcError(req.ID, rpcCodeInvalidParams, "params must be an object")
	}
	h.mu.Lock()
	h.configs[s.SessionID] = cfg
	h.mu.Unlock()
	return protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"status": "ok"}}
}

// setAudioConfig updates the session's negotiated audio parameters.
func (h *mcpHandler) setAudioConfig(s *state.Session, req *protocol.RPCRequest) protocol.RPCResponse {
	var params protocol.AudioParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, rpcCodeInvalidParams, "params must be audio parameters")
	}
	if params.SampleRate <= 0 || params.Channels <= 0 {
		return rpcError(req.ID, rpcCodeInvalidParams, "sample_rate and channels must be positive")
	}
	s.SetAudioParams(params)
	return protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"status": "ok"}}
}

// forget drops per-session MCP state when the session ends.
func (h *mcpHandler) forget(sessionID string) {
	h.mu.Lock()
	delete(h.firmware, sessionID)
	delete(h.configs, sessionID)
	h.mu.Unlock()
}

func rpcError(id json.RawMessage, code int, message string) protocol.RPCResponse {
	return protocol.RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &protocol.RPCError{Code: code, Message: message},
	}
}
