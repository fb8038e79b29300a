// Package netclass derives a discrete network profile from raw connectivity
// signals. The profile parameterizes gateway probing, buffering and preload
// policy elsewhere; nothing here is persisted.
package netclass

// Class is a discrete network quality bucket.
type Class string

const (
	Class2G      Class = "2g"
	Class3G      Class = "3g"
	Class4G      Class = "4g"
	Class5G      Class = "5g"
	ClassUnknown Class = "unknown"
)

// Signals are the raw connection readings supplied by the host platform.
type Signals struct {
	// ConnectionType is the physical link kind: "cellular", "wifi",
	// "ethernet" or "" when unavailable.
	ConnectionType string `json:"connection_type"`
	// EffectiveType is the platform's own coarse estimate:
	// "slow-2g", "2g", "3g", "4g" or "".
	EffectiveType string `json:"effective_type"`
	// DownlinkMbps is the estimated downstream bandwidth in Mbit/s.
	DownlinkMbps float64 `json:"downlink_mbps"`
	// RTTMillis is the estimated round-trip time in milliseconds.
	RTTMillis int `json:"rtt_millis"`
	// SaveData reports the user's reduced-data preference.
	SaveData bool `json:"save_data"`
}

// Profile is the derived policy bundle for one network class.
type Profile struct {
	Class            Class `json:"class"`
	IsCellular       bool  `json:"is_cellular"`
	MaxBitrateKbps   int   `json:"max_bitrate_kbps"`
	BufferSeconds    int   `json:"buffer_seconds"`
	PreloadSegments  int   `json:"preload_segments"`
	ProbeConcurrency int   `json:"probe_concurrency"`
}

// profileTable maps each class to its policy. Lower classes get a lower
// bitrate ceiling, a larger buffer target and fewer preload segments.
var profileTable = map[Class]Profile{
	Class2G:      {Class: Class2G, MaxBitrateKbps: 400, BufferSeconds: 30, PreloadSegments: 1, ProbeConcurrency: 1},
	Class3G:      {Class: Class3G, MaxBitrateKbps: 1500, BufferSeconds: 20, PreloadSegments: 2, ProbeConcurrency: 2},
	Class4G:      {Class: Class4G, MaxBitrateKbps: 4000, BufferSeconds: 10, PreloadSegments: 3, ProbeConcurrency: 3},
	Class5G:      {Class: Class5G, MaxBitrateKbps: 8000, BufferSeconds: 6, PreloadSegments: 5, ProbeConcurrency: 4},
	ClassUnknown: {Class: ClassUnknown, MaxBitrateKbps: 2500, BufferSeconds: 15, PreloadSegments: 2, ProbeConcurrency: 3},
}

// Classify derives a Profile from raw signals. Rules are evaluated in order;
// the first match wins.
func Classify(s Signals) Profile {
	class := ClassUnknown
	switch {
	case s.SaveData || s.EffectiveType == "slow-2g" || s.EffectiveType == "2g":
		class = Class2G
	case s.EffectiveType == "3g" || (s.DownlinkMbps > 0.5 && s.DownlinkMbps < 2):
		class = Class3G
	case s.EffectiveType == "4g" || (s.DownlinkMbps >= 2 && s.DownlinkMbps < 10):
		class = Class4G
	case s.DownlinkMbps >= 10 && s.RTTMillis > 0 && s.RTTMillis < 50:
		class = Class5G
	}

	profile := profileTable[class]
	profile.IsCellular = s.ConnectionType == "cellular"
	return profile
}
