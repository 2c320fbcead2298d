package hls

// ValidStreamKey reports whether key is safe to concatenate into filesystem
// paths and RTMP URLs. Keys are opaque tokens; anything that could traverse
// or restructure a path is rejected outright.
func ValidStreamKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
