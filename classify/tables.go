package classify

import "regexp"

// Category is the bucket a canonical field name sorts into.
type Category string

const (
	Time            Category = "time"
	GPS             Category = "gps"
	Numeric         Category = "numeric"
	Categorical     Category = "categorical"
	RunningDynamics Category = "running_dynamics"
	Power           Category = "power"
	Environmental   Category = "environmental"
	Cycling         Category = "cycling"
	Swimming        Category = "swimming"
	Zone            Category = "zone"
	General         Category = "general"
)

// SubObject returns the document key a non-root category is nested under.
// Root categories return "".
func (c Category) SubObject() string {
	switch c {
	case Time, GPS, Numeric, Categorical:
		return ""
	case RunningDynamics:
		return "running_dynamics"
	case Power:
		return "power_fields"
	case Environmental:
		return "environmental"
	case Cycling:
		return "cycling_fields"
	case Swimming:
		return "swimming_fields"
	case Zone:
		return "zone_fields"
	default:
		return "additional_fields"
	}
}

type categoryTable struct {
	category Category
	names    map[string]struct{}
}

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// Ordered: the first table listing a name wins.
var categoryTables = []categoryTable{
	{Time, set(
		"timestamp", "start_time", "total_timer_time", "total_elapsed_time",
		"start_time_in_hr_zones",
		"time_in_hr_zone_1", "time_in_hr_zone_2", "time_in_hr_zone_3", "time_in_hr_zone_4", "time_in_hr_zone_5",
		"time_in_power_zone_1", "time_in_power_zone_2", "time_in_power_zone_3",
		"time_in_power_zone_4", "time_in_power_zone_5", "time_in_power_zone_6",
	)},
	{GPS, set(
		"position_lat", "position_long", "start_position_lat", "start_position_long",
		"end_position_lat", "end_position_long", "gps_accuracy",
	)},
	{Numeric, set(
		"distance", "speed", "altitude", "heart_rate", "cadence", "power",
		"temperature", "calories", "ascent", "descent", "grade", "resistance",
		"energy_expenditure", "oxygen_uptake", "treadmill_grade",
	)},
	{Categorical, set(
		"sport", "sub_sport", "intensity", "lap_trigger", "event", "event_type",
		"swim_stroke", "activity_type", "manufacturer", "product",
	)},
	{RunningDynamics, set(
		"vertical_oscillation", "stance_time", "step_length", "vertical_ratio",
		"ground_contact_time", "form_power", "leg_spring_stiffness",
		"stance_time_percent", "vertical_oscillation_percent",
		"avg_ground_contact_time", "avg_vertical_oscillation",
		"avg_stance_time", "avg_step_length", "avg_vertical_ratio",
	)},
	{Power, set(
		"power", "normalized_power", "left_power", "right_power", "left_right_balance",
		"left_torque_effectiveness", "right_torque_effectiveness",
		"left_pedal_smoothness", "right_pedal_smoothness", "combined_pedal_smoothness",
		"functional_threshold_power", "training_stress_score",
	)},
	{Environmental, set(
		"temperature", "humidity", "pressure", "wind_speed", "wind_direction",
		"air_pressure", "barometric_pressure",
	)},
	{Cycling, set(
		"left_pco", "right_pco", "left_power_phase", "right_power_phase",
		"left_power_phase_peak", "right_power_phase_peak", "gear_change_data",
	)},
	{Swimming, set("pool_length", "lengths", "stroke_count", "strokes", "swolf")},
	{Zone, set("hr_zone", "power_zone", "pace_zone", "cadence_zone")},
}

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^unknown_\d+$`),
	regexp.MustCompile(`^field_\d+$`),
	regexp.MustCompile(`^data_\d+$`),
	regexp.MustCompile(`.*_unknown_.*`),
	regexp.MustCompile(`.*_\d+_\d+$`),
}

var simpleIdentifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

const maxSimpleIdentifierLen = 50

var knownPrefixes = []string{
	"enhanced_", "total_", "avg_", "max_", "min_", "start_", "end_",
	"first_", "last_", "best_", "worst_", "accumulated_", "left_", "right_",
	"combined_", "normalized_", "functional_", "threshold_", "zone_",
	"time_in_", "percent_", "raw_", "filtered_", "smoothed_",
}

var knownSuffixes = []string{
	"_time", "_distance", "_speed", "_pace", "_power", "_heart_rate",
	"_cadence", "_temperature", "_altitude", "_ascent", "_descent",
	"_calories", "_lat", "_long", "_oscillation", "_ratio", "_length",
	"_stiffness", "_data", "_zone", "_threshold", "_effectiveness",
	"_smoothness", "_balance", "_phase", "_peak", "_count", "_accuracy",
	"_grade", "_resistance", "_expenditure", "_uptake", "_stroke",
	"_strokes", "_lengths", "_pool", "_percent", "_pco", "_change",
	"_direction", "_pressure", "_humidity", "_wind", "_air", "_barometric",
}

var environmentalSubstrings = []string{
	"temperature", "humidity", "pressure", "wind", "air", "barometric", "baseline", "elevation",
}

type vendorKey struct {
	messageType string
	id          uint8
}

// Field ids the decoder profile does not name, observed in vendor firmware.
var vendorFieldNames = map[vendorKey]string{
	{"record", 81}:  "battery_soc",
	{"record", 82}:  "motor_power",
	{"record", 87}:  "cycle_length16",
	{"record", 99}:  "respiration_rate",
	{"record", 108}: "enhanced_respiration_rate",
	{"record", 114}: "grit",
	{"record", 115}: "flow",
	{"record", 116}: "current_stress",
	{"record", 118}: "ebike_battery_level",
	{"record", 139}: "core_temperature",

	{"session", 137}: "total_anaerobic_training_effect",
	{"session", 168}: "training_load_peak",
	{"session", 181}: "total_grit",
	{"session", 192}: "workout_feel",
	{"session", 193}: "workout_rpe",

	{"lap", 149}: "total_grit",
	{"lap", 150}: "avg_flow",

	{"stress_level", 0}: "stress_level_value",
	{"stress_level", 1}: "stress_level_time",
	{"hrv", 0}:          "rr_interval_time",
}
