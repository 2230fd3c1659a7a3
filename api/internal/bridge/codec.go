package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

var ErrMalformedCommand = errors.New("bridge: malformed command payload")

// Compact wire type names for the large command types.
const (
	compactFlush     = "FLUSH"
	compactFirmware  = "FW"
	compactThreshold = "THRESH"
)

// Device command parameter keys. The compact encodings give the flush,
// firmware and threshold ones short fields and carry any others under "x".
const (
	ParamAmount         = "amount"
	ParamUnit           = "unit"
	ParamAction         = "action"
	ParamTargetLevel    = "target_level"
	ParamDrainLevel     = "drain_level"
	ParamFillLevel      = "fill_level"
	ParamFirmwareURL    = "firmware_url"
	ParamParameter      = "parameter"
	ParamUpperThreshold = "upper_threshold"
	ParamLowerThreshold = "lower_threshold"
)

const (
	defaultFlushDrain = 0.0
	defaultFlushFill  = 80.0
)

var shortParams = map[string]string{
	"temperature":      "temp",
	"dissolved_oxygen": "do",
	"ph":               "ph",
}

var longParams = func() map[string]string {
	out := make(map[string]string, len(shortParams))
	for long, short := range shortParams {
		out[short] = long
	}
	return out
}()

// WireCommand is the logical command a device receives, whichever encoding
// carried it.
type WireCommand struct {
	CommandID    uuid.UUID
	CommandType  models.CommandType
	PondPosition int
	Parameters   map[string]any
}

type fullCommand struct {
	CommandID    string         `json:"command_id"`
	CommandType  string         `json:"command_type"`
	PondPosition int            `json:"pond_position"`
	Parameters   map[string]any `json:"parameters"`
	Timestamp    time.Time      `json:"timestamp"`
}

type compactCommand struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Pos  int      `json:"pos"`
	D    *float64 `json:"d,omitempty"`
	F    *float64 `json:"f,omitempty"`
	URL  *string  `json:"url,omitempty"`
	P    *string  `json:"p,omitempty"`
	U    *float64 `json:"u,omitempty"`
	L    *float64 `json:"l,omitempty"`

	X map[string]any `json:"x,omitempty"`
}

// Encode renders the device payload for cmd. Water flush, firmware update
// and threshold commands use short field names; everything else is sent in
// full.
func Encode(cmd models.DeviceCommand, now time.Time) (json.RawMessage, error) {
	id := cmd.ID.String()
	switch cmd.CommandType {
	case models.CommandWaterFlush:
		d := models.FloatParam(cmd.Parameters, ParamDrainLevel, defaultFlushDrain)
		f := models.FloatParam(cmd.Parameters, ParamFillLevel, defaultFlushFill)
		return json.Marshal(compactCommand{ID: id, Type: compactFlush, Pos: cmd.PondPosition, D: &d, F: &f,
			X: extraParams(cmd.Parameters, ParamDrainLevel, ParamFillLevel)})
	case models.CommandFirmwareUpdate:
		url, _ := cmd.Parameters[ParamFirmwareURL].(string)
		return json.Marshal(compactCommand{ID: id, Type: compactFirmware, Pos: cmd.PondPosition, URL: &url,
			X: extraParams(cmd.Parameters, ParamFirmwareURL)})
	case models.CommandSetThreshold:
		param, _ := cmd.Parameters[ParamParameter].(string)
		if short, ok := shortParams[param]; ok {
			param = short
		}
		u := models.FloatParam(cmd.Parameters, ParamUpperThreshold, 0)
		l := models.FloatParam(cmd.Parameters, ParamLowerThreshold, 0)
		return json.Marshal(compactCommand{ID: id, Type: compactThreshold, Pos: cmd.PondPosition, P: &param, U: &u, L: &l,
			X: extraParams(cmd.Parameters, ParamParameter, ParamUpperThreshold, ParamLowerThreshold)})
	}
	params := cmd.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(fullCommand{
		CommandID:    id,
		CommandType:  string(cmd.CommandType),
		PondPosition: cmd.PondPosition,
		Parameters:   params,
		Timestamp:    now.UTC(),
	})
}

// Decode accepts either encoding and returns the logical command.
func Decode(raw []byte) (WireCommand, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return WireCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if _, full := probe["command_id"]; full {
		var fc fullCommand
		if err := json.Unmarshal(raw, &fc); err != nil {
			return WireCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		id, err := uuid.Parse(fc.CommandID)
		if err != nil {
			return WireCommand{}, fmt.Errorf("%w: command_id: %v", ErrMalformedCommand, err)
		}
		if fc.Parameters == nil {
			fc.Parameters = map[string]any{}
		}
		return WireCommand{CommandID: id, CommandType: models.CommandType(fc.CommandType), PondPosition: fc.PondPosition, Parameters: fc.Parameters}, nil
	}

	var cc compactCommand
	if err := json.Unmarshal(raw, &cc); err != nil {
		return WireCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	id, err := uuid.Parse(cc.ID)
	if err != nil {
		return WireCommand{}, fmt.Errorf("%w: id: %v", ErrMalformedCommand, err)
	}
	out := WireCommand{CommandID: id, PondPosition: cc.Pos, Parameters: make(map[string]any, len(cc.X)+3)}
	for k, v := range cc.X {
		out.Parameters[k] = v
	}
	switch cc.Type {
	case compactFlush:
		out.CommandType = models.CommandWaterFlush
		out.Parameters[ParamDrainLevel] = derefFloat(cc.D, defaultFlushDrain)
		out.Parameters[ParamFillLevel] = derefFloat(cc.F, defaultFlushFill)
	case compactFirmware:
		out.CommandType = models.CommandFirmwareUpdate
		url := ""
		if cc.URL != nil {
			url = *cc.URL
		}
		out.Parameters[ParamFirmwareURL] = url
	case compactThreshold:
		out.CommandType = models.CommandSetThreshold
		param := ""
		if cc.P != nil {
			param = *cc.P
		}
		if long, ok := longParams[param]; ok {
			param = long
		}
		out.Parameters[ParamParameter] = param
		out.Parameters[ParamUpperThreshold] = derefFloat(cc.U, 0)
		out.Parameters[ParamLowerThreshold] = derefFloat(cc.L, 0)
	default:
		return WireCommand{}, fmt.Errorf("%w: unknown compact type %q", ErrMalformedCommand, cc.Type)
	}
	return out, nil
}

// NewOutgoing wraps an encoded command in the envelope the MQTT client expects.
func NewOutgoing(cmd models.DeviceCommand, now time.Time) (OutgoingCommand, error) {
	payload, err := Encode(cmd, now)
	if err != nil {
		return OutgoingCommand{}, err
	}
	return OutgoingCommand{
		CommandID: cmd.ID.String(),
		DeviceID:  cmd.DeviceID,
		Topic:     CommandTopic(cmd.DeviceID),
		Payload:   payload,
		QoS:       CommandQoS,
		Timestamp: now.UTC(),
		Source:    SourceOrchestrator,
	}, nil
}

// extraParams returns the parameters a compact encoding has no field for,
// or nil when there are none.
func extraParams(params map[string]any, known ...string) map[string]any {
	var out map[string]any
	for k, v := range params {
		if slices.Contains(known, k) {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[k] = v
	}
	return out
}

func derefFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
