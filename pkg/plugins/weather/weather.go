// Package weather is the weatherSystem tool: current conditions and a short
// daily forecast from Open-Meteo.
package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	// MaxCallsPerMinute caps outbound lookups.
	MaxCallsPerMinute = 60
	maxDays           = 7
)

type Config struct {
	GeocodeURL  string `json:"geocode_url,omitempty"`
	ForecastURL string `json:"forecast_url,omitempty"`
	// Location is used when a request names none.
	Location string `json:"location,omitempty"`
	Language string `json:"language,omitempty"`
}

// Request is the tool input. Latitude/Longitude win over Location.
type Request struct {
	Location  string   `json:"location,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Days      int      `json:"days,omitempty"`
}

type Current struct {
	Time                string  `json:"time"`
	Condition           string  `json:"condition"`
	Temperature         float64 `json:"temperature"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	Humidity            float64 `json:"humidity"`
	Precipitation       float64 `json:"precipitation"`
	WindSpeed           float64 `json:"wind_speed"`
}

type Day struct {
	Date                string  `json:"date"`
	Condition           string  `json:"condition"`
	Max                 float64 `json:"max"`
	Min                 float64 `json:"min"`
	PrecipitationChance float64 `json:"precipitation_chance"`
}

// Report is what the tool returns.
type Report struct {
	Location string  `json:"location"`
	Units    string  `json:"units"`
	Current  Current `json:"current"`
	Daily    []Day   `json:"daily"`
}

type Plugin struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	state api.PluginState
	calls []time.Time
}

// New builds the plugin. timeout bounds each HTTP request.
func New(cfg Config, timeout time.Duration) *Plugin {
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = DefaultGeocodeURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Plugin{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		state:  api.PluginOffline,
	}
}

func (p *Plugin) Priority() int { return 10 }

func (p *Plugin) UpdateStrategy(context.Context) error { return nil }

func (p *Plugin) Online(ctx context.Context, _ api.Options) error {
	p.setState(api.PluginOnline)
	slog.InfoContext(ctx, "weatherSystem online")
	return nil
}

func (p *Plugin) Offline(ctx context.Context) error {
	p.setState(api.PluginOffline)
	return nil
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	if err := p.Offline(ctx); err != nil {
		return err
	}
	return p.Online(ctx, opts)
}

func (p *Plugin) State(context.Context) (api.PluginState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *Plugin) setState(s api.PluginState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plugin) Describe() api.ToolDescription {
	return api.ToolDescription{
		Name:        "weatherSystem",
		Description: "Current weather and a daily forecast for a place.",
		Input: map[string]string{
			"location":  "city or place name (optional, defaults to home)",
			"latitude":  "decimal latitude (optional, with longitude)",
			"longitude": "decimal longitude (optional, with latitude)",
			"days":      "forecast days, 1-7 (default 3)",
		},
		Output: map[string]string{
			"current": "temperature (°C), apparent temperature, humidity (%), precipitation (mm), wind (km/h), condition",
			"daily":   "date, condition, max/min temperature, precipitation chance (%)",
		},
		Usage: []string{`{"toolName":"weatherSystem","input":{"location":"Tainan","days":2}}`},
	}
}

// Send answers one weather request with a *api.ToolResponse.
func (p *Plugin) Send(ctx context.Context, data any) (any, error) {
	if st, _ := p.State(ctx); st != api.PluginOnline {
		return api.Fail("weatherSystem is offline"), nil
	}

	var req Request
	if err := decode(data, &req); err != nil {
		return api.Fail("invalid input: " + err.Error()), nil
	}
	if !p.allow() {
		return api.Fail("rate limit exceeded, try again in a minute"), nil
	}

	report, err := p.Lookup(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "Weather lookup failed", "error", err)
		return api.Fail(err.Error()), nil
	}
	return api.OK(report), nil
}

// allow records a call unless the last minute is already full.
func (p *Plugin) allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	cut := 0
	for cut < len(p.calls) && now.Sub(p.calls[cut]) > time.Minute {
		cut++
	}
	p.calls = p.calls[cut:]
	if len(p.calls) >= MaxCallsPerMinute {
		return false
	}
	p.calls = append(p.calls, now)
	return true
}

// Lookup resolves the place and fetches its forecast.
func (p *Plugin) Lookup(ctx context.Context, req Request) (*Report, error) {
	days := req.Days
	if days <= 0 {
		days = 3
	}
	if days > maxDays {
		days = maxDays
	}

	var (
		lat, lon float64
		name     string
	)
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		lat, lon = *req.Latitude, *req.Longitude
		name = fmt.Sprintf("%.4f,%.4f", lat, lon)
	default:
		place := strings.TrimSpace(req.Location)
		if place == "" {
			place = p.cfg.Location
		}
		if place == "" {
			return nil, errors.New("no location given")
		}
		var err error
		lat, lon, name, err = p.geocode(ctx, place)
		if err != nil {
			return nil, err
		}
	}

	return p.forecast(ctx, lat, lon, name, days)
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
	} `json:"results"`
}

func (p *Plugin) geocode(ctx context.Context, place string) (float64, float64, string, error) {
	q := url.Values{}
	q.Set("name", place)
	q.Set("count", "1")
	q.Set("language", p.cfg.Language)
	q.Set("format", "json")

	var out geocodeResponse
	if err := p.getJSON(ctx, p.cfg.GeocodeURL+"?"+q.Encode(), &out); err != nil {
		return 0, 0, "", fmt.Errorf("geocoding %q: %w", place, err)
	}
	if len(out.Results) == 0 {
		return 0, 0, "", fmt.Errorf("unknown location %q", place)
	}
	r := out.Results[0]
	parts := []string{r.Name}
	if r.Admin1 != "" && r.Admin1 != r.Name {
		parts = append(parts, r.Admin1)
	}
	if r.Country != "" {
		parts = append(parts, r.Country)
	}
	return r.Latitude, r.Longitude, strings.Join(parts, ", "), nil
}

type forecastResponse struct {
	Current struct {
		Time                string  `json:"time"`
		Temperature         float64 `json:"temperature_2m"`
		Humidity            float64 `json:"relative_humidity_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		Precipitation       float64 `json:"precipitation"`
		WeatherCode         int     `json:"weather_code"`
		WindSpeed           float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time                []string  `json:"time"`
		WeatherCode         []int     `json:"weather_code"`
		Max                 []float64 `json:"temperature_2m_max"`
		Min                 []float64 `json:"temperature_2m_min"`
		PrecipitationChance []float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (p *Plugin) forecast(ctx context.Context, lat, lon float64, name string, days int) (*Report, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,apparent_temperature,precipitation,weather_code,wind_speed_10m")
	q.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_probability_max")
	q.Set("timezone", "auto")
	q.Set("forecast_days", strconv.Itoa(days))

	var out forecastResponse
	if err := p.getJSON(ctx, p.cfg.ForecastURL+"?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	report := &Report{
		Location: name,
		Units:    "metric",
		Current: Current{
			Time:                out.Current.Time,
			Condition:           Condition(out.Current.WeatherCode),
			Temperature:         out.Current.Temperature,
			ApparentTemperature: out.Current.ApparentTemperature,
			Humidity:            out.Current.Humidity,
			Precipitation:       out.Current.Precipitation,
			WindSpeed:           out.Current.WindSpeed,
		},
	}
	d := out.Daily
	for i, date := range d.Time {
		day := Day{Date: date}
		if i < len(d.WeatherCode) {
			day.Condition = Condition(d.WeatherCode[i])
		}
		if i < len(d.Max) {
			day.Max = d.Max[i]
		}
		if i < len(d.Min) {
			day.Min = d.Min[i]
		}
		if i < len(d.PrecipitationChance) {
			day.PrecipitationChance = d.PrecipitationChance[i]
		}
		report.Daily = append(report.Daily, day)
	}
	return report, nil
}

// getJSON GETs u into v, retrying once on transport errors and 5xx.
func (p *Plugin) getJSON(ctx context.Context, u string, v any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.WarnContext(ctx, "Retrying weather request", "error", lastErr)
		}
		retry, err := p.fetch(ctx, u, v)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (p *Plugin) fetch(ctx context.Context, u string, v any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

func decode(data any, v any) error {
	switch d := data.(type) {
	case nil:
		return nil
	case jsoniter.RawMessage:
		if len(d) == 0 {
			return nil
		}
		return json.Unmarshal(d, v)
	case []byte:
		return json.Unmarshal(d, v)
	case string:
		return json.UnmarshalFromString(d, v)
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

var (
	_ api.Plugin    = (*Plugin)(nil)
	_ api.Sender    = (*Plugin)(nil)
	_ api.Describer = (*Plugin)(nil)
)
