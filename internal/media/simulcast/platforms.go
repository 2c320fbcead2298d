package simulcast

import "strings"

// PlatformDefaults carries the recommended encoding parameters for one
// destination platform. Values follow the platforms' published ingest
// recommendations for 1080p30.
type PlatformDefaults struct {
	Platform         string
	VideoBitrateKbps int
	AudioBitrateKbps int
	AudioSampleRate  int
	Framerate        int
}

var genericDefaults = PlatformDefaults{
	Platform:         "generic",
	VideoBitrateKbps: 4500,
	AudioBitrateKbps: 128,
	AudioSampleRate:  44100,
	Framerate:        30,
}

var platformDefaults = map[string]PlatformDefaults{
	"youtube": {
		Platform:         "youtube",
		VideoBitrateKbps: 6000,
		AudioBitrateKbps: 128,
		AudioSampleRate:  44100,
		Framerate:        30,
	},
	"twitch": {
		Platform:         "twitch",
		VideoBitrateKbps: 6000,
		AudioBitrateKbps: 160,
		AudioSampleRate:  48000,
		Framerate:        30,
	},
	"facebook": {
		Platform:         "facebook",
		VideoBitrateKbps: 4000,
		AudioBitrateKbps: 128,
		AudioSampleRate:  44100,
		Framerate:        30,
	},
	"linkedin": {
		Platform:         "linkedin",
		VideoBitrateKbps: 5000,
		AudioBitrateKbps: 128,
		AudioSampleRate:  44100,
		Framerate:        30,
	},
}

// DefaultsFor resolves the encoding defaults for a platform identifier,
// falling back to the generic profile for unrecognised platforms.
func DefaultsFor(platform string) PlatformDefaults {
	if d, ok := platformDefaults[strings.ToLower(strings.TrimSpace(platform))]; ok {
		return d
	}
	return genericDefaults
}
