package fitsource

import (
	"fmt"
	"strings"
	"time"

	"github.com/tormoder/fit"
)

type fieldProfile struct {
	name   string
	units  string
	scaler func(decoded any) (any, bool)
}

// fitEpoch is 1989-12-31T00:00:00Z, 631065600 seconds after the Unix epoch.
var fitEpoch = time.Date(1989, 12, 31, 0, 0, 0, 0, time.UTC)

var messageNames = map[uint16]string{
	0:   "file_id",
	3:   "user_profile",
	7:   "zones_target",
	18:  "session",
	19:  "lap",
	20:  "record",
	21:  "event",
	26:  "workout",
	27:  "workout_step",
	34:  "activity",
	55:  "monitoring",
	78:  "hrv",
	206: "field_description",
	207: "developer_data_id",
	227: "stress_level",
	275: "sleep_level",
	290: "beat_intervals",
	297: "respiration_rate",
	346: "sleep_assessment",
	370: "hrv_status_summary",
	371: "hrv_value",
}

var profileByMessage = map[uint16]map[uint8]fieldProfile{
	0: { // file_id
		0: {name: "type"},
		1: {name: "manufacturer"},
		2: {name: "product"},
		3: {name: "serial_number"},
		4: {name: "time_created", scaler: scaleTimestamp},
		5: {name: "number"},
		8: {name: "product_name"},
	},
	3: { // user_profile
		1:  {name: "gender"},
		2:  {name: "age", units: "years"},
		3:  {name: "height", units: "m", scaler: scaleBy(100, 0)},
		4:  {name: "weight", units: "kg", scaler: scaleBy(10, 0)},
		8:  {name: "resting_heart_rate", units: "bpm"},
		11: {name: "default_max_heart_rate", units: "bpm"},
	},
	7: { // zones_target
		1: {name: "max_heart_rate", units: "bpm"},
		2: {name: "threshold_heart_rate", units: "bpm"},
		3: {name: "functional_threshold_power", units: "w"},
		5: {name: "hr_calc_type"},
		7: {name: "pwr_calc_type"},
	},
	18: { // session
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "event"},
		1:   {name: "event_type"},
		2:   {name: "start_time", scaler: scaleTimestamp},
		3:   {name: "start_position_lat", units: "semicircles"},
		4:   {name: "start_position_long", units: "semicircles"},
		5:   {name: "sport", scaler: sportName},
		6:   {name: "sub_sport"},
		7:   {name: "total_elapsed_time", units: "s", scaler: scaleBy(1000, 0)},
		8:   {name: "total_timer_time", units: "s", scaler: scaleBy(1000, 0)},
		9:   {name: "total_distance", units: "m", scaler: scaleBy(100, 0)},
		11:  {name: "total_calories", units: "kcal"},
		14:  {name: "avg_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		15:  {name: "max_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		16:  {name: "avg_heart_rate", units: "bpm"},
		17:  {name: "max_heart_rate", units: "bpm"},
		18:  {name: "avg_cadence", units: "rpm"},
		19:  {name: "max_cadence", units: "rpm"},
		20:  {name: "avg_power", units: "w"},
		21:  {name: "max_power", units: "w"},
		22:  {name: "total_ascent", units: "m"},
		23:  {name: "total_descent", units: "m"},
		26:  {name: "num_laps"},
		34:  {name: "normalized_power", units: "w"},
		35:  {name: "training_stress_score", scaler: scaleBy(10, 0)},
		36:  {name: "intensity_factor", scaler: scaleBy(1000, 0)},
		45:  {name: "threshold_power", units: "w"},
		48:  {name: "total_work", units: "j"},
		57:  {name: "avg_temperature", units: "c"},
		58:  {name: "max_temperature", units: "c"},
		124: {name: "enhanced_avg_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		125: {name: "enhanced_max_speed", units: "m/s", scaler: scaleBy(1000, 0)},
	},
	19: { // lap
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "event"},
		1:   {name: "event_type"},
		2:   {name: "start_time", scaler: scaleTimestamp},
		3:   {name: "start_position_lat", units: "semicircles"},
		4:   {name: "start_position_long", units: "semicircles"},
		5:   {name: "end_position_lat", units: "semicircles"},
		6:   {name: "end_position_long", units: "semicircles"},
		7:   {name: "total_elapsed_time", units: "s", scaler: scaleBy(1000, 0)},
		8:   {name: "total_timer_time", units: "s", scaler: scaleBy(1000, 0)},
		9:   {name: "total_distance", units: "m", scaler: scaleBy(100, 0)},
		11:  {name: "total_calories", units: "kcal"},
		13:  {name: "avg_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		14:  {name: "max_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		15:  {name: "avg_heart_rate", units: "bpm"},
		16:  {name: "max_heart_rate", units: "bpm"},
		17:  {name: "avg_cadence", units: "rpm"},
		18:  {name: "max_cadence", units: "rpm"},
		19:  {name: "avg_power", units: "w"},
		20:  {name: "max_power", units: "w"},
		21:  {name: "total_ascent", units: "m"},
		22:  {name: "total_descent", units: "m"},
		24:  {name: "lap_trigger"},
		25:  {name: "sport", scaler: sportName},
		33:  {name: "normalized_power", units: "w"},
	},
	20: { // record
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "position_lat", units: "semicircles"},
		1:   {name: "position_long", units: "semicircles"},
		2:   {name: "altitude", units: "m", scaler: scaleBy(5, 500)},
		3:   {name: "heart_rate", units: "bpm"},
		4:   {name: "cadence", units: "rpm"},
		5:   {name: "distance", units: "m", scaler: scaleBy(100, 0)},
		6:   {name: "speed", units: "m/s", scaler: scaleBy(1000, 0)},
		7:   {name: "power", units: "w"},
		9:   {name: "grade", units: "%", scaler: scaleBy(100, 0)},
		13:  {name: "temperature", units: "c"},
		30:  {name: "left_right_balance"},
		39:  {name: "vertical_oscillation", units: "mm", scaler: scaleBy(10, 0)},
		40:  {name: "stance_time_percent", units: "%", scaler: scaleBy(100, 0)},
		41:  {name: "stance_time", units: "ms", scaler: scaleBy(10, 0)},
		43:  {name: "left_torque_effectiveness", units: "%", scaler: scaleBy(2, 0)},
		44:  {name: "right_torque_effectiveness", units: "%", scaler: scaleBy(2, 0)},
		45:  {name: "left_pedal_smoothness", units: "%", scaler: scaleBy(2, 0)},
		46:  {name: "right_pedal_smoothness", units: "%", scaler: scaleBy(2, 0)},
		47:  {name: "combined_pedal_smoothness", units: "%", scaler: scaleBy(2, 0)},
		53:  {name: "fractional_cadence", units: "rpm", scaler: scaleBy(128, 0)},
		73:  {name: "enhanced_speed", units: "m/s", scaler: scaleBy(1000, 0)},
		78:  {name: "enhanced_altitude", units: "m", scaler: scaleBy(5, 500)},
		83:  {name: "vertical_ratio", units: "%", scaler: scaleBy(100, 0)},
		85:  {name: "step_length", units: "mm", scaler: scaleBy(10, 0)},
	},
	21: { // event
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "event"},
		1:   {name: "event_type"},
		2:   {name: "data16"},
		3:   {name: "data"},
		4:   {name: "event_group"},
	},
	26: { // workout
		4: {name: "wkt_name"},
		5: {name: "sport", scaler: sportName},
		6: {name: "sub_sport"},
		7: {name: "num_valid_steps"},
		8: {name: "capabilities"},
	},
	27: { // workout_step
		254: {name: "message_index"},
		0:   {name: "wkt_step_name"},
		1:   {name: "duration_type"},
		2:   {name: "duration_value"},
		3:   {name: "target_type"},
		4:   {name: "target_value"},
		5:   {name: "custom_target_value_low"},
		6:   {name: "custom_target_value_high"},
		7:   {name: "intensity"},
		8:   {name: "notes"},
	},
	55: { // monitoring
		253: {name: "timestamp", scaler: scaleTimestamp},
		1:   {name: "calories", units: "kcal"},
		2:   {name: "distance", units: "m", scaler: scaleBy(100, 0)},
		3:   {name: "cycles", scaler: scaleBy(2, 0)},
		4:   {name: "active_time", units: "s", scaler: scaleBy(1000, 0)},
		5:   {name: "activity_type"},
		19:  {name: "active_calories", units: "kcal"},
		26:  {name: "timestamp_16"},
		27:  {name: "heart_rate", units: "bpm"},
	},
	78: { // hrv
		0: {name: "rr_interval_time", units: "s", scaler: scaleBy(1000, 0)},
	},
	206: { // field_description
		0:  {name: "developer_data_index"},
		1:  {name: "field_definition_number"},
		2:  {name: "fit_base_type_id"},
		3:  {name: "field_name"},
		6:  {name: "native_mesg_num"},
		7:  {name: "native_field_num"},
		8:  {name: "units"},
	},
	207: { // developer_data_id
		0: {name: "developer_id"},
		1: {name: "application_id"},
		2: {name: "manufacturer_id"},
		3: {name: "developer_data_index"},
		4: {name: "application_version"},
	},
	227: { // stress_level
		0: {name: "stress_level_value"},
		1: {name: "stress_level_time", scaler: scaleTimestamp},
	},
	275: { // sleep_level
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "sleep_level"},
	},
	297: { // respiration_rate
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "respiration_rate", units: "breaths/min", scaler: scaleBy(100, 0)},
	},
	346: { // sleep_assessment
		0:  {name: "combined_awake_score"},
		1:  {name: "awake_time_score"},
		2:  {name: "awakenings_count_score"},
		3:  {name: "deep_sleep_score"},
		4:  {name: "sleep_duration_score"},
		5:  {name: "light_sleep_score"},
		6:  {name: "overall_sleep_score"},
		7:  {name: "sleep_quality_score"},
		8:  {name: "sleep_recovery_score"},
		9:  {name: "rem_sleep_score"},
		10: {name: "sleep_restlessness_score"},
		11: {name: "awakenings_count"},
		14: {name: "interruptions_score"},
		15: {name: "average_stress_during_sleep", scaler: scaleBy(100, 0)},
	},
	370: { // hrv_status_summary
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "weekly_average", units: "ms", scaler: scaleBy(128, 0)},
		1:   {name: "last_night_average", units: "ms", scaler: scaleBy(128, 0)},
		2:   {name: "last_night_5_min_high", units: "ms", scaler: scaleBy(128, 0)},
		3:   {name: "baseline_low_upper", units: "ms", scaler: scaleBy(128, 0)},
		4:   {name: "baseline_balanced_lower", units: "ms", scaler: scaleBy(128, 0)},
		5:   {name: "baseline_balanced_upper", units: "ms", scaler: scaleBy(128, 0)},
		6:   {name: "status"},
	},
	371: { // hrv_value
		253: {name: "timestamp", scaler: scaleTimestamp},
		0:   {name: "value", units: "ms", scaler: scaleBy(128, 0)},
	},
}

func profileForField(global uint16, field uint8) (fieldProfile, bool) {
	if m, ok := profileByMessage[global]; ok {
		if p, ok := m[field]; ok {
			return p, true
		}
	}
	return fieldProfile{}, false
}

// MessageName returns the canonical message type for a global message number.
func MessageName(global uint16) string {
	if name, ok := messageNames[global]; ok {
		return name
	}
	name := fmt.Sprint(fit.MesgNum(global))
	if strings.HasPrefix(name, "MesgNum(") || name == "" {
		return fmt.Sprintf("mesg_%d", global)
	}
	return toSnake(strings.TrimPrefix(name, "MesgNum"))
}

// GlobalNumber is the inverse of MessageName for the profile's known messages.
func GlobalNumber(messageType string) (uint16, bool) {
	for num, name := range messageNames {
		if name == messageType {
			return num, true
		}
	}
	return 0, false
}

func scaleBy(scale, offset float64) func(any) (any, bool) {
	return func(decoded any) (any, bool) {
		v, ok := numeric(decoded)
		if !ok {
			return nil, false
		}
		return (v / scale) - offset, true
	}
}

func scaleTimestamp(decoded any) (any, bool) {
	raw, ok := asTimestampRaw(decoded)
	if !ok {
		return nil, false
	}
	return FITTime(raw), true
}

func sportName(decoded any) (any, bool) {
	v, ok := decoded.(uint8)
	if !ok || v == 0xFF {
		return nil, false
	}
	name := fmt.Sprint(fit.Sport(v))
	if strings.HasPrefix(name, "Sport(") {
		return fmt.Sprintf("sport_%d", v), true
	}
	return toSnake(strings.TrimPrefix(name, "Sport")), true
}

// FITTime converts seconds since the FIT epoch to UTC time.
func FITTime(raw uint32) time.Time {
	return fitEpoch.Add(time.Duration(raw) * time.Second).UTC()
}

func numeric(decoded any) (float64, bool) {
	switch v := decoded.(type) {
	case float64:
		return v, true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
