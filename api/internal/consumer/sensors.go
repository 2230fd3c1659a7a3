package consumer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type sensorRange struct {
	min, max float64
}

// sensorRanges are the physically plausible bounds; anything outside is a
// faulty probe and is dropped.
var sensorRanges = map[string]sensorRange{
	"temperature":      {0, 50},
	"water_level":      {0, 100},
	"feed_level":       {0, 100},
	"battery":          {0, 100},
	"turbidity":        {0, 1000},
	"dissolved_oxygen": {0, 20},
	"ph":               {0, 14},
	"ammonia":          {0, 100},
}

// positional wire keys name the pond they belong to.
var positionalKeys = map[string]struct {
	parameter string
	position  int
}{
	"water1": {"water_level", 1},
	"water2": {"water_level", 2},
	"feed1":  {"feed_level", 1},
	"feed2":  {"feed_level", 2},
}

// Rejected is one reading dropped during validation.
type Rejected struct {
	Parameter string
	Raw       any
	Reason    string
}

// Readings are the validated values of one sensor message. Shared applies to
// every pond on the device, ByPosition only to the addressed pond.
type Readings struct {
	Shared     map[string]float64
	ByPosition map[int]map[string]float64
	Rejected   []Rejected
}

// ForPosition merges the shared readings with the ones addressed to pos.
func (r Readings) ForPosition(pos int) map[string]float64 {
	out := make(map[string]float64, len(r.Shared)+len(r.ByPosition[pos]))
	for k, v := range r.Shared {
		out[k] = v
	}
	for k, v := range r.ByPosition[pos] {
		out[k] = v
	}
	return out
}

func (r Readings) Empty() bool {
	return len(r.Shared) == 0 && len(r.ByPosition) == 0
}

// ParseReadings accepts the readings either nested under "data" or at the
// top level of the payload. Unknown keys are ignored.
func ParseReadings(payload json.RawMessage) (Readings, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return Readings{}, err
	}
	fields := top
	if nested, ok := top["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			fields = inner
		}
	}

	out := Readings{Shared: map[string]float64{}, ByPosition: map[int]map[string]float64{}}
	for key, raw := range fields {
		parameter, position := key, 0
		if pk, ok := positionalKeys[key]; ok {
			parameter, position = pk.parameter, pk.position
		}
		bounds, known := sensorRanges[parameter]
		if !known {
			continue
		}
		v, ok := number(raw)
		if !ok {
			out.Rejected = append(out.Rejected, Rejected{Parameter: key, Raw: string(raw), Reason: "not a number"})
			continue
		}
		if v < bounds.min || v > bounds.max {
			out.Rejected = append(out.Rejected, Rejected{Parameter: key, Raw: v, Reason: "out of range"})
			continue
		}
		if position == 0 {
			out.Shared[parameter] = v
			continue
		}
		if out.ByPosition[position] == nil {
			out.ByPosition[position] = map[string]float64{}
		}
		out.ByPosition[position][parameter] = v
	}
	return out, nil
}

func number(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
