package resolver

import (
	"regexp"

	"streamgate/internal/stream"
)

var (
	youtubePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/watch\?v=([^&?/]+)`),
		regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/live/([^?/]+)`),
		regexp.MustCompile(`(?:https?://)?youtu\.be/([^?/]+)`),
	}
	facebookPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:https?://)?(?:www\.)?facebook\.com/[^/]+/videos/(\d+)`),
		regexp.MustCompile(`(?:https?://)?(?:www\.)?facebook\.com/watch/?(?:\?v=(\d+)|live/?\?v=(\d+))`),
	}
	twitchPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?twitch\.tv/([a-zA-Z0-9_]+)$`)
)

// DetectPlatform inspects a URL and returns the platform it belongs to
// plus the platform-specific stream key (video id or channel name).
// Unrecognized URLs map to PlatformOther with an empty key; the capture
// pipeline treats those as direct media URLs.
func DetectPlatform(url string) (stream.Platform, string) {
	for _, p := range youtubePatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			return stream.PlatformYouTube, m[1]
		}
	}
	for _, p := range facebookPatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			for _, g := range m[1:] {
				if g != "" {
					return stream.PlatformFacebook, g
				}
			}
			return stream.PlatformFacebook, ""
		}
	}
	if m := twitchPattern.FindStringSubmatch(url); m != nil {
		return stream.PlatformTwitch, m[1]
	}
	return stream.PlatformOther, ""
}
