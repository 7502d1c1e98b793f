package climate

import (
	"errors"
	"fmt"
)

// Range is an inclusive [Min, Max] band.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Profile holds the parameters the generator samples from for one station.
type Profile struct {
	BaseTemp        float64 `yaml:"base_temp"`
	TempRange       float64 `yaml:"temp_range"`
	Humidity        Range   `yaml:"humidity"`
	RainProbability float64 `yaml:"rain_probability"`
	WindSpeed       Range   `yaml:"wind_speed"`
}

// Validate checks that bands are ordered and probabilities are in [0,1].
func (p Profile) Validate() error {
	if p.TempRange < 0 {
		return errors.New("temp_range must be >= 0")
	}
	if p.Humidity.Min > p.Humidity.Max {
		return fmt.Errorf("humidity min %.2f > max %.2f", p.Humidity.Min, p.Humidity.Max)
	}
	if p.WindSpeed.Min < 0 || p.WindSpeed.Min > p.WindSpeed.Max {
		return fmt.Errorf("wind_speed band [%.2f, %.2f] invalid", p.WindSpeed.Min, p.WindSpeed.Max)
	}
	if p.RainProbability < 0 || p.RainProbability > 1 {
		return fmt.Errorf("rain_probability %.2f outside [0,1]", p.RainProbability)
	}
	return nil
}

// StationSpec is a station the seeder creates, together with its climate.
type StationSpec struct {
	Name      string  `yaml:"name"`
	Location  string  `yaml:"location"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Profile   Profile `yaml:"profile"`
}

// Table maps station names to profiles. Unknown names resolve to the default profile.
type Table struct {
	stations []StationSpec
	byName   map[string]Profile
	fallback Profile
}

// NewTable builds a Table from station specs and a default profile.
// Station order is preserved; duplicate names are rejected.
func NewTable(stations []StationSpec, fallback Profile) (*Table, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default profile: %w", err)
	}
	t := &Table{
		stations: make([]StationSpec, 0, len(stations)),
		byName:   make(map[string]Profile, len(stations)),
		fallback: fallback,
	}
	for _, s := range stations {
		if s.Name == "" {
			return nil, errors.New("station name is required")
		}
		if _, dup := t.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate station %q", s.Name)
		}
		if err := s.Profile.Validate(); err != nil {
			return nil, fmt.Errorf("station %q: %w", s.Name, err)
		}
		t.byName[s.Name] = s.Profile
		t.stations = append(t.stations, s)
	}
	return t, nil
}

// Lookup returns the profile for name, or the default profile if name is unknown.
func (t *Table) Lookup(name string) Profile {
	if p, ok := t.byName[name]; ok {
		return p
	}
	return t.fallback
}

// Known reports whether name has its own profile.
func (t *Table) Known(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Default returns the fallback profile.
func (t *Table) Default() Profile {
	return t.fallback
}

// Stations returns a copy of the station specs in table order.
func (t *Table) Stations() []StationSpec {
	out := make([]StationSpec, len(t.stations))
	copy(out, t.stations)
	return out
}
