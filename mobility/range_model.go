package mobility

import (
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/emunet-dev/emunetd/config"
	"github.com/emunet-dev/emunetd/model"
)

// BasicRangeModelName is the config model name for the range-based
// wireless model.
const BasicRangeModelName = "basic_range"

// BasicRangeModel declares the option schema for range-based wireless
// links: a hard cutoff distance plus the shaping parameters applied while
// two peers are within range.
func BasicRangeModel() *config.Model {
	return &config.Model{
		Name: BasicRangeModelName,
		Options: []config.Option{
			{ID: "range", Type: config.TypeUint32, Label: "wireless range (pixels)", Default: "275"},
			{ID: "bandwidth", Type: config.TypeUint64, Label: "bandwidth (bps)", Default: "54000000"},
			{ID: "delay", Type: config.TypeUint64, Label: "transmission delay (usec)", Default: "5000"},
			{ID: "jitter", Type: config.TypeUint64, Label: "transmission jitter (usec)", Default: "0"},
			{ID: "error", Type: config.TypeFloat, Label: "error rate (%)", Default: "0.0"},
		},
		Groups: []config.Group{{Name: "Basic", Start: 1, Stop: 5}},
	}
}

// NS2ScriptModelName is the config model name for scripted mobility.
const NS2ScriptModelName = "ns2script"

// NS2ScriptModel declares the option schema for ns-2 scripted mobility.
func NS2ScriptModel() *config.Model {
	return &config.Model{
		Name: NS2ScriptModelName,
		Options: []config.Option{
			{ID: "file", Type: config.TypeString, Label: "mobility script file", Default: ""},
			{ID: "refresh_ms", Type: config.TypeUint32, Label: "refresh time (ms)", Default: "50"},
			{ID: "loop", Type: config.TypeBool, Label: "loop", Default: "1"},
			{ID: "autostart", Type: config.TypeString, Label: "auto-start seconds (0.0 for runtime)", Default: ""},
		},
		Groups: []config.Group{{Name: "ns-2 Mobility Script Parameters", Start: 1, Stop: 4}},
	}
}

// RangeParams is a parsed basic_range configuration.
type RangeParams struct {
	Range     float64
	Bandwidth int64
	Delay     int64
	Jitter    int64
	Loss      float64
}

// RangeParamsFrom parses a configured value set, tolerating missing keys by
// falling back to the declared defaults.
func RangeParamsFrom(values map[string]string) RangeParams {
	defaults := BasicRangeModel().Defaults()
	get := func(id string) string {
		if v, ok := values[id]; ok && v != "" {
			return v
		}
		return defaults[id]
	}

	rng, _ := strconv.ParseFloat(get("range"), 64)
	bw, _ := strconv.ParseInt(get("bandwidth"), 10, 64)
	delay, _ := strconv.ParseInt(get("delay"), 10, 64)
	jitter, _ := strconv.ParseInt(get("jitter"), 10, 64)
	loss, _ := strconv.ParseFloat(get("error"), 64)
	return RangeParams{Range: rng, Bandwidth: bw, Delay: delay, Jitter: jitter, Loss: loss}
}

// Distance returns the separation between two node positions.
func Distance(a, b model.Position) float64 {
	return r3.Norm(r3.Sub(a.Vec(), b.Vec()))
}

// LinkOptions derives shaping parameters for a wireless link whose
// endpoints are separated by the given distance. Peers out of range get a
// fully lossy link rather than a torn-down one, so the bridge membership
// stays stable while quality fluctuates.
func (p RangeParams) LinkOptions(distance float64) (model.LinkOptions, bool) {
	inRange := p.Range <= 0 || distance <= p.Range
	opts := model.LinkOptions{
		Bandwidth: p.Bandwidth,
		Delay:     p.Delay,
		Jitter:    p.Jitter,
		Loss:      p.Loss,
	}
	if !inRange {
		opts.Loss = 100
	}
	return opts, inRange
}
