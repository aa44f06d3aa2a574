package protocol

// Kind groups suggestion types that share presentation and action shape.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAlert
	KindGuidance
	KindShelter
	KindInfo
	KindSafetyAction
	KindDeviceStatus
	KindOnboarding
)

func (k Kind) String() string {
	switch k {
	case KindAlert:
		return "alert"
	case KindGuidance:
		return "guidance"
	case KindShelter:
		return "shelter"
	case KindInfo:
		return "info"
	case KindSafetyAction:
		return "safety_action"
	case KindDeviceStatus:
		return "device_status"
	case KindOnboarding:
		return "onboarding"
	default:
		return "unknown"
	}
}

// Suggestion types the client knows how to present.
var suggestionTypes = map[string]Kind{
	"disaster_alert":   KindAlert,
	"emergency_alert":  KindAlert,
	"earthquake_alert": KindAlert,
	"tsunami_alert":    KindAlert,

	"evacuation_guidance": KindGuidance,
	"evacuation_prompt":   KindGuidance,
	"immediate_safety":    KindGuidance,

	"shelter_info":          KindShelter,
	"shelter_status_update": KindShelter,

	"disaster_news":        KindInfo,
	"weather_warning":      KindInfo,
	"seasonal_warning":     KindInfo,
	"hazard_map_prompt":    KindInfo,
	"disaster_preparation": KindInfo,

	"safety_confirmation":     KindSafetyAction,
	"emergency_contact_setup": KindSafetyAction,

	"low_battery_warning":              KindDeviceStatus,
	"location_permission_reminder":     KindDeviceStatus,
	"notification_permission_reminder": KindDeviceStatus,
	"gps_disabled_warning":             KindDeviceStatus,

	"welcome_message": KindOnboarding,
	"quiz_reminder":   KindOnboarding,
}

// LookupKind returns the kind of a suggestion type and whether it is on the
// allow-list.
func LookupKind(suggestionType string) (Kind, bool) {
	k, ok := suggestionTypes[suggestionType]
	return k, ok
}

// KnownTypes returns the allow-listed suggestion types.
func KnownTypes() []string {
	types := make([]string, 0, len(suggestionTypes))
	for t := range suggestionTypes {
		types = append(types, t)
	}
	return types
}

// Action is the typed form of a suggestion's action_data. Exactly one
// variant is produced per suggestion.
type Action interface {
	ActionName() string
}

// QueryAction asks the assistant a prepared question.
type QueryAction struct {
	Query       string
	DisplayText string
}

// ShelterAction points at a shelter.
type ShelterAction struct {
	ShelterID string
	Name      string
	Latitude  float64
	Longitude float64
}

// SettingsAction opens a device settings screen ("location", "gps",
// "notifications").
type SettingsAction struct {
	Target string
}

// LinkAction opens an external URL.
type LinkAction struct {
	URL string
}

// NoAction is the fallthrough for suggestions without a usable action.
type NoAction struct{}

func (QueryAction) ActionName() string    { return "query" }
func (ShelterAction) ActionName() string  { return "shelter" }
func (SettingsAction) ActionName() string { return "settings" }
func (LinkAction) ActionName() string     { return "link" }
func (NoAction) ActionName() string       { return "none" }

// DecodeAction builds the typed action for a payload of the given kind.
func DecodeAction(kind Kind, p *SuggestionPayload) Action {
	data := p.ActionData
	switch kind {
	case KindShelter:
		if lat, ok := number(data["latitude"]); ok {
			lon, _ := number(data["longitude"])
			return ShelterAction{
				ShelterID: str(data["shelter_id"]),
				Name:      str(data["shelter_name"]),
				Latitude:  lat,
				Longitude: lon,
			}
		}
	case KindDeviceStatus:
		if target := str(data["settings_target"]); target != "" {
			return SettingsAction{Target: target}
		}
		switch p.Type {
		case "location_permission_reminder":
			return SettingsAction{Target: "location"}
		case "gps_disabled_warning":
			return SettingsAction{Target: "gps"}
		case "notification_permission_reminder":
			return SettingsAction{Target: "notifications"}
		}
	}
	if u := str(data["url"]); u != "" {
		return LinkAction{URL: u}
	}
	if p.ActionQuery != "" {
		return QueryAction{Query: p.ActionQuery, DisplayText: p.ActionDisplayText}
	}
	return NoAction{}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
