// Package telemetry normalises heterogeneous device payloads into the
// canonical flat record persisted by both sinks.
package telemetry

import (
	"strings"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/payload"
)

// UnknownDeviceID is assigned when neither the topic nor the payload carries a
// device identifier.
const UnknownDeviceID = "unknown"

// Position holds the GNSS fix fields. Nil means the producer did not report
// the field (or reported something unparsable).
type Position struct {
	Lat      *float64
	Lon      *float64
	Speed    *float64
	Heading  *float64
	Altitude *float64
}

// GNSSQuality holds signal-quality indicators.
type GNSSQuality struct {
	CN0Avg   *float64
	SatsUsed *int
}

// Motion holds the IMU vibration summary.
type Motion struct {
	RMSX  *float64
	RMSY  *float64
	RMSZ  *float64
	JerkX *float64
	JerkY *float64
	JerkZ *float64
}

// Record is the canonical telemetry sample. Raw retains the decoded payload
// verbatim so storage stays forward-compatible with fields we do not yet
// extract.
type Record struct {
	DeviceID  string
	EventTime time.Time
	Position  Position
	GNSS      GNSSQuality
	Motion    Motion
	Status    *string
	Raw       map[string]any
}

// floatFields maps each semantic float field to its ordered candidate
// locations across the known producer payload generations: nested GNSS/IMU
// groups, flattened top-level keys, and renamed variants ("course" for
// heading). First present, non-null candidate wins.
var floatFields = []struct {
	candidates []string
	assign     func(*Record, *float64)
}{
	{[]string{"gnss.lat", "lat"}, func(r *Record, v *float64) { r.Position.Lat = v }},
	{[]string{"gnss.lon", "lon"}, func(r *Record, v *float64) { r.Position.Lon = v }},
	{[]string{"gnss.speed", "speed"}, func(r *Record, v *float64) { r.Position.Speed = v }},
	{[]string{"gnss.heading", "gnss.course", "heading", "course"}, func(r *Record, v *float64) { r.Position.Heading = v }},
	{[]string{"gnss.alt", "gnss.altitude", "altitude", "alt"}, func(r *Record, v *float64) { r.Position.Altitude = v }},
	{[]string{"gnss.cn0_avg", "cn0_avg"}, func(r *Record, v *float64) { r.GNSS.CN0Avg = v }},
	{[]string{"imu.acc.x.rms", "imu.rms_x", "rms_x"}, func(r *Record, v *float64) { r.Motion.RMSX = v }},
	{[]string{"imu.acc.y.rms", "imu.rms_y", "rms_y"}, func(r *Record, v *float64) { r.Motion.RMSY = v }},
	{[]string{"imu.acc.z.rms", "imu.rms_z", "rms_z"}, func(r *Record, v *float64) { r.Motion.RMSZ = v }},
	{[]string{"imu.jerk.x.rms", "imu.jerk_x", "imu.jerk.x", "jerk_x"}, func(r *Record, v *float64) { r.Motion.JerkX = v }},
	{[]string{"imu.jerk.y.rms", "imu.jerk_y", "imu.jerk.y", "jerk_y"}, func(r *Record, v *float64) { r.Motion.JerkY = v }},
	{[]string{"imu.jerk.z.rms", "imu.jerk_z", "imu.jerk.z", "jerk_z"}, func(r *Record, v *float64) { r.Motion.JerkZ = v }},
}

var satsCandidates = []string{"gnss.num_sats", "gnss.sats_used", "sats_used", "num_sats"}

var statusCandidates = []string{"status", "truck_status", "state"}

var deviceIDCandidates = []string{"device_id", "deviceId"}

// Extract builds a Record from a decoded payload tree. The device id comes
// from the topic suffix, falling back to an in-body identifier, falling back
// to UnknownDeviceID. EventTime is resolved per ResolveEventTime with
// receivedAt as the final fallback.
func Extract(topic string, tree map[string]any, receivedAt time.Time) Record {
	rec := Record{
		DeviceID:  DeviceID(topic, tree),
		EventTime: ResolveEventTime(tree, receivedAt),
		Raw:       tree,
	}

	for _, f := range floatFields {
		if v, ok := payload.AsFloat(payload.Get(tree, f.candidates...)); ok {
			value := v
			f.assign(&rec, &value)
		}
	}

	if v, ok := payload.AsInt(payload.Get(tree, satsCandidates...)); ok {
		value := v
		rec.GNSS.SatsUsed = &value
	}

	if s, ok := payload.AsString(payload.Get(tree, statusCandidates...)); ok {
		rec.Status = &s
	}

	return rec
}

// DeviceID derives the device identifier for a message. Topic forms are
// "telemetry/<id>" on MQTT and "telemetry.<id>" on NATS; a missing or bare
// topic falls back to the payload, then to UnknownDeviceID.
func DeviceID(topic string, tree map[string]any) string {
	if id := topicSuffix(topic); id != "" {
		return id
	}
	if id, ok := payload.AsString(payload.Get(tree, deviceIDCandidates...)); ok {
		return id
	}
	return UnknownDeviceID
}

func topicSuffix(topic string) string {
	for _, sep := range []string{"/", "."} {
		if i := strings.Index(topic, sep); i >= 0 && i+1 < len(topic) {
			suffix := topic[i+1:]
			// Wildcard patterns are subscriptions, not concrete topics.
			if strings.ContainsAny(suffix, "#*+>") {
				return ""
			}
			return suffix
		}
	}
	return ""
}
