package models

import "time"

// DeviceStatus is the last known telemetry of one device. Online is derived
// from LastSeen, Status only records what the last sweep or message saw.
type DeviceStatus struct {
	DeviceID           string
	Status             DeviceState
	LastSeen           *time.Time
	FirmwareVersion    string
	HardwareVersion    string
	DeviceName         string
	IPAddress          string
	WiFiSSID           string
	WiFiSignalStrength *int
	FreeHeap           *int64
	CPUFrequency       *int
	UptimeSeconds      *int64
	ErrorCount         int
	LastError          string
	UpdatedAt          time.Time
}

func (d DeviceStatus) IsOnline(now time.Time, window time.Duration) bool {
	if d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) <= window
}

// Telemetry is the subset of DeviceStatus a heartbeat or startup message carries.
type Telemetry struct {
	FirmwareVersion    string
	HardwareVersion    string
	DeviceName         string
	IPAddress          string
	WiFiSSID           string
	WiFiSignalStrength *int
	FreeHeap           *int64
	CPUFrequency       *int
	UptimeSeconds      *int64
}

// Apply merges non-empty telemetry into d and marks it seen at now.
// A startup message also clears the error counters.
func (d *DeviceStatus) Apply(t Telemetry, now time.Time, startup bool) {
	now = now.UTC()
	setString(&d.FirmwareVersion, t.FirmwareVersion)
	setString(&d.HardwareVersion, t.HardwareVersion)
	setString(&d.DeviceName, t.DeviceName)
	setString(&d.IPAddress, t.IPAddress)
	setString(&d.WiFiSSID, t.WiFiSSID)
	if t.WiFiSignalStrength != nil {
		d.WiFiSignalStrength = t.WiFiSignalStrength
	}
	if t.FreeHeap != nil {
		d.FreeHeap = t.FreeHeap
	}
	if t.CPUFrequency != nil {
		d.CPUFrequency = t.CPUFrequency
	}
	if t.UptimeSeconds != nil {
		d.UptimeSeconds = t.UptimeSeconds
	}
	if startup {
		d.ErrorCount = 0
		d.LastError = ""
	}
	d.Status = DeviceOnline
	d.LastSeen = &now
	d.UpdatedAt = now
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
