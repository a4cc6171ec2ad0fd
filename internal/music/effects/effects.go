// Package effects holds per-session audio effect state and builds the ffmpeg
// filter graph that the playback pipeline feeds to its transcoder.
package effects

import (
	"errors"
	"fmt"
	"strings"
)

const MaxBassBoost = 20

// Playback gain bounds, percent of unity. 0 mutes.
const (
	MaxVolume     = 200
	DefaultVolume = 100
)

var ErrInvalidParameter = errors.New("effect parameter out of range")

// State is the full effect configuration of one guild session. The zero
// value means no effects active.
type State struct {
	BassBoost int // 0..MaxBassBoost, dB of low-shelf gain
	Karaoke   bool
	Nightcore bool
	ThreeD    bool
	Echo      bool
}

// Validate rejects out-of-range values. Bass boost outside [0,20] is an
// error, never silently clamped.
func (s State) Validate() error {
	if s.BassBoost < 0 || s.BassBoost > MaxBassBoost {
		return fmt.Errorf("%w: bass boost %d not in [0,%d]", ErrInvalidParameter, s.BassBoost, MaxBassBoost)
	}
	return nil
}

// Any reports whether at least one effect is enabled.
func (s State) Any() bool {
	return s.BassBoost > 0 || s.Karaoke || s.Nightcore || s.ThreeD || s.Echo
}

// Active returns human-readable names of the enabled effects, in build order.
func (s State) Active() []string {
	var out []string
	if s.BassBoost > 0 {
		out = append(out, fmt.Sprintf("bassboost:%d", s.BassBoost))
	}
	if s.Karaoke {
		out = append(out, "karaoke")
	}
	if s.Nightcore {
		out = append(out, "nightcore")
	}
	if s.ThreeD {
		out = append(out, "3d")
	}
	if s.Echo {
		out = append(out, "echo")
	}
	return out
}

// Preset returns one of the built-in effect presets (gaming, cinema, party),
// or false for an unknown name.
func Preset(name string) (State, bool) {
	switch strings.ToLower(name) {
	case "gaming":
		return State{BassBoost: 8}, true
	case "cinema", "movie":
		return State{BassBoost: 10, ThreeD: true}, true
	case "party":
		return State{BassBoost: 15, Echo: true}, true
	default:
		return State{}, false
	}
}

// ValidateVolume rejects a gain outside [0,MaxVolume]. Like bass boost,
// out-of-range values are an error, never clamped.
func ValidateVolume(percent int) error {
	if percent < 0 || percent > MaxVolume {
		return fmt.Errorf("%w: volume %d not in [0,%d]", ErrInvalidParameter, percent, MaxVolume)
	}
	return nil
}

// VolumeStage renders a software gain stage for a non-default volume. Unity
// gain needs no stage; ok is false then.
func VolumeStage(percent int) (Stage, bool) {
	if percent == DefaultVolume {
		return Stage{}, false
	}
	return Stage{Name: "volume", Args: fmt.Sprintf("volume=%.2f", float64(percent)/100)}, true
}

// Stage is one named filter in the chain with its rendered ffmpeg argument.
type Stage struct {
	Name string
	Args string
}

// Chain is an ordered filter-graph description. Identical States always
// produce identical Chains, which makes pipeline restarts deterministic.
type Chain []Stage

// FilterGraph renders the chain as an ffmpeg -af expression. Empty chain
// renders "anull" so the pipeline can pass the result unconditionally.
func (c Chain) FilterGraph() string {
	if len(c) == 0 {
		return "anull"
	}
	parts := make([]string, len(c))
	for i, st := range c {
		parts[i] = st.Args
	}
	return strings.Join(parts, ",")
}

// Tuning constants. Pinned by golden tests; changing any of these changes
// the audible output of every session.
const (
	bassFrequencyHz = 110
	bassWidth       = "0.6"
	nightcoreRate   = "1.30"
	threeDHz        = "0.2"
	echoInGain      = "0.8"
	echoOutGain     = "0.9"
	echoDelayMs     = 500
	echoDecay       = "0.3"
)

// Build maps a State to its filter chain. The stage order is fixed
// (bass, karaoke, nightcore, 3d, echo) no matter in which order the effects
// were toggled. Build is pure: no I/O, no clock, no randomness.
func Build(s State) (Chain, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var chain Chain
	if s.BassBoost > 0 {
		chain = append(chain, Stage{
			Name: "bassboost",
			Args: fmt.Sprintf("bass=g=%d:f=%d:w=%s", s.BassBoost, bassFrequencyHz, bassWidth),
		})
	}
	if s.Karaoke {
		// Stereo channel cancellation removes center-panned vocals.
		chain = append(chain, Stage{
			Name: "karaoke",
			Args: "pan=stereo|c0=c0-c1|c1=c1-c0",
		})
	}
	if s.Nightcore {
		chain = append(chain, Stage{
			Name: "nightcore",
			Args: fmt.Sprintf("asetrate=48000*%s,aresample=48000", nightcoreRate),
		})
	}
	if s.ThreeD {
		chain = append(chain, Stage{
			Name: "3d",
			Args: fmt.Sprintf("apulsator=hz=%s", threeDHz),
		})
	}
	if s.Echo {
		chain = append(chain, Stage{
			Name: "echo",
			Args: fmt.Sprintf("aecho=%s:%s:%d:%s", echoInGain, echoOutGain, echoDelayMs, echoDecay),
		})
	}
	return chain, nil
}
