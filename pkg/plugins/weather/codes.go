package weather

// wmoCodes maps WMO weather interpretation codes to short descriptions.
var wmoCodes = map[int]string{
	0:  "clear sky",
	1:  "mainly clear",
	2:  "partly cloudy",
	3:  "overcast",
	45: "fog",
	48: "depositing rime fog",
	51: "light drizzle",
	53: "drizzle",
	55: "dense drizzle",
	56: "light freezing drizzle",
	57: "freezing drizzle",
	61: "slight rain",
	63: "rain",
	65: "heavy rain",
	66: "light freezing rain",
	67: "freezing rain",
	71: "slight snow",
	73: "snow",
	75: "heavy snow",
	77: "snow grains",
	80: "slight rain showers",
	81: "rain showers",
	82: "violent rain showers",
	85: "snow showers",
	86: "heavy snow showers",
	95: "thunderstorm",
	96: "thunderstorm with slight hail",
	99: "thunderstorm with heavy hail",
}

// Condition names a WMO weather code.
func Condition(code int) string {
	if s, ok := wmoCodes[code]; ok {
		return s
	}
	return "unknown"
}
