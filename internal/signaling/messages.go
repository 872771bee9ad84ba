package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Service is stamped on every outbound message.
const Service = "mesh"

const (
	ActionRegister = "register"
	ActionList     = "list"
	ActionOffer    = "offer"
	ActionAnswer   = "answer"

	// actionError is echoed when a frame is too broken to name its action.
	actionError = "error"
)

var (
	errMalformed   = errors.New("malformed message")
	errMissingID   = errors.New("missing id")
	errRateLimited = errors.New("rate limit exceeded")
)

// Inbound is one client frame. Data stays raw until the action is known.
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Response is the outbound frame for replies and relays alike.
type Response struct {
	Service string `json:"service"`
	Action  string `json:"action"`
	Result  bool   `json:"result"`
	Data    any    `json:"data"`
}

type registerRequest struct {
	ID string `json:"id"`
}

// offerRequest and answerRequest carry session descriptions opaquely; the
// service never inspects SDP.
type offerRequest struct {
	ID                string          `json:"id"`
	HostID            string          `json:"hostId"`
	ClientDescription json.RawMessage `json:"clientDescription"`
}

type answerRequest struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"clientId"`
	HostDescription json.RawMessage `json:"hostDescription"`
}

type hostSummary struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type listResult struct {
	HostIDs []hostSummary `json:"hostIds"`
}

type errorResult struct {
	Error string `json:"error"`
}

func okResponse(action string, data any) Response {
	if data == nil {
		data = struct{}{}
	}
	return Response{Service: Service, Action: action, Result: true, Data: data}
}

func errorResponse(action, msg string) Response {
	return Response{Service: Service, Action: action, Result: false, Data: errorResult{Error: msg}}
}

// ParseInbound decodes a text frame into its action and raw data.
func ParseInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.Action == "" {
		return msg, fmt.Errorf("%w: missing action", errMalformed)
	}
	return msg, nil
}

// decodeData unmarshals the action payload. An absent or null payload decodes
// to the zero value; anything that is not a JSON object is rejected.
func decodeData(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: data must be an object", errMalformed)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}
