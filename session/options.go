package session

import (
	"github.com/emunet-dev/emunetd/config"
	"github.com/emunet-dev/emunetd/model"
)

// OptionsModelName is the configuration model carrying session-wide options.
const OptionsModelName = "session"

// OptionsModel declares the session-wide options. Clients read the schema
// through the model-config operations like any other model.
func OptionsModel() *config.Model {
	return &config.Model{
		Name: OptionsModelName,
		Options: []config.Option{
			{ID: "controlnet", Type: config.TypeString, Label: "Control network"},
			{ID: "enablerj45", Type: config.TypeBool, Label: "Enable RJ45s", Default: "1", Select: []string{"0", "1"}},
			{ID: "preservedir", Type: config.TypeBool, Label: "Preserve session dir", Default: "0", Select: []string{"0", "1"}},
			{ID: "enablesdt", Type: config.TypeBool, Label: "Enable SDT3D output", Default: "0", Select: []string{"0", "1"}},
			{ID: "sdturl", Type: config.TypeString, Label: "SDT3D URL", Default: "tcp://127.0.0.1:50000/"},
		},
		Groups: []config.Group{{Name: "Options", Start: 1, Stop: 5}},
	}
}

// Location is the session's canvas-to-geographic reference frame: a canvas
// reference point mapped onto geographic coordinates, plus a pixels-per-meter
// scale.
type Location struct {
	RefPoint model.Position `json:"ref_point" xml:"refpoint"`
	RefGeo   model.Geo      `json:"ref_geo" xml:"refgeo"`
	Scale    float64        `json:"scale" xml:"scale,attr"`
}

// Location returns the session's geographic reference frame.
func (s *Session) Location() Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// SetLocation replaces the session's geographic reference frame.
func (s *Session) SetLocation(loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.Scale == 0 {
		loc.Scale = 1
	}
	s.location = loc
}

// SetOptions stores session-wide options after validating them against the
// session options model.
func (s *Session) SetOptions(values map[string]string) error {
	if err := OptionsModel().Validate(values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.SetConfigs(config.NodeAll, OptionsModelName, values)
	return nil
}

// Options returns the effective session options, merging stored values over
// the model defaults.
func (s *Session) Options() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Configured(OptionsModel(), config.NodeAll)
}
