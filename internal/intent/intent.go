// Package intent turns free-form command text into a typed Intent with
// extracted parameters. Classification is deterministic and has no side
// effects.
package intent

type Type string

// Declaration order is significant: it breaks score ties.
const (
	OpenApplication    Type = "open_application"
	WebSearch          Type = "web_search"
	TypeText           Type = "type_text"
	ClickElement       Type = "click_element"
	SystemStatus       Type = "system_status"
	Weather            Type = "weather"
	Time               Type = "time"
	Date               Type = "date"
	MusicControl       Type = "music_control"
	VolumeControl      Type = "volume_control"
	Screenshot         Type = "screenshot"
	WindowManagement   Type = "window_management"
	FormFilling        Type = "form_filling"
	DocumentGeneration Type = "document_generation"
	PriceComparison    Type = "price_comparison"
	CallContact        Type = "call_contact"
	MessageContact     Type = "message_contact"
	ReminderSet        Type = "reminder_set"
	CalendarQuery      Type = "calendar_query"
	FileManagement     Type = "file_management"
	BrowserControl     Type = "browser_control"
	EmailControl       Type = "email_control"
	SystemShutdown     Type = "system_shutdown"
	HelpRequest        Type = "help_request"
	Unknown            Type = "unknown"
)

var declared = []Type{
	OpenApplication, WebSearch, TypeText, ClickElement, SystemStatus, Weather, Time, Date,
	MusicControl, VolumeControl, Screenshot, WindowManagement, FormFilling, DocumentGeneration,
	PriceComparison, CallContact, MessageContact, ReminderSet, CalendarQuery, FileManagement,
	BrowserControl, EmailControl, SystemShutdown, HelpRequest, Unknown,
}

var descriptions = map[Type]string{
	OpenApplication:    "Open or launch applications",
	WebSearch:          "Search the web for information",
	TypeText:           "Type text into the active application",
	ClickElement:       "Click on screen elements",
	SystemStatus:       "Report system information and status",
	Weather:            "Get weather information",
	Time:               "Tell the current time",
	Date:               "Tell the current date",
	MusicControl:       "Control music playback",
	VolumeControl:      "Control system volume",
	Screenshot:         "Take screenshots",
	WindowManagement:   "Manage application windows",
	FormFilling:        "Fill out forms",
	DocumentGeneration: "Generate documents",
	PriceComparison:    "Compare prices online",
	CallContact:        "Place calls",
	MessageContact:     "Send messages",
	ReminderSet:        "Set reminders",
	CalendarQuery:      "Check the calendar",
	FileManagement:     "Manage files and folders",
	BrowserControl:     "Control the web browser",
	EmailControl:       "Control the email client",
	SystemShutdown:     "Shut down or restart the computer",
	HelpRequest:        "Get help and assistance",
	Unknown:            "Unknown or unclassified intent",
}

// SupportedTypes lists every intent type in declaration order.
func SupportedTypes() []Type {
	out := make([]Type, len(declared))
	copy(out, declared)
	return out
}

func Describe(t Type) string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return "No description available"
}

func (t Type) Valid() bool {
	_, ok := descriptions[t]
	return ok
}

func (t Type) String() string { return string(t) }

func rank(t Type) int {
	for i, d := range declared {
		if d == t {
			return i
		}
	}
	return len(declared)
}

// Intent is the result of one classification. It is never mutated after
// Classify returns.
type Intent struct {
	Type           Type           `json:"type"`
	Confidence     float64        `json:"confidence"`
	Parameters     map[string]any `json:"parameters"`
	OriginalText   string         `json:"original_text"`
	NormalizedText string         `json:"normalized_text"`
	Entities       []string       `json:"entities"`
	Suggestions    []string       `json:"suggestions,omitempty"`
}

// Param returns a string parameter by name, or "" when absent.
func (i Intent) Param(name string) string {
	if v, ok := i.Parameters[name].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer parameter by name.
func (i Intent) Int(name string) (int, bool) {
	v, ok := i.Parameters[name].(int)
	return v, ok
}
