package resolver

import (
	"testing"

	"streamgate/internal/stream"
)

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		platform stream.Platform
		key      string
	}{
		{"youtube_watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", stream.PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube_watch_extra_params", "https://youtube.com/watch?v=abc123&t=10s", stream.PlatformYouTube, "abc123"},
		{"youtube_live_path", "https://www.youtube.com/live/xyz789", stream.PlatformYouTube, "xyz789"},
		{"youtube_short_link", "https://youtu.be/abc123", stream.PlatformYouTube, "abc123"},
		{"youtube_no_scheme", "youtube.com/watch?v=noscheme1", stream.PlatformYouTube, "noscheme1"},
		{"facebook_videos", "https://www.facebook.com/somepage/videos/1234567890", stream.PlatformFacebook, "1234567890"},
		{"facebook_watch", "https://www.facebook.com/watch?v=9876543210", stream.PlatformFacebook, "9876543210"},
		{"twitch_channel", "https://www.twitch.tv/somechannel", stream.PlatformTwitch, "somechannel"},
		{"twitch_no_www", "https://twitch.tv/another_user1", stream.PlatformTwitch, "another_user1"},
		{"twitch_video_page_is_other", "https://www.twitch.tv/somechannel/videos", stream.PlatformOther, ""},
		{"raw_hls_url", "https://cdn.example.com/stream/index.m3u8", stream.PlatformOther, ""},
		{"rtmp_url", "rtmp://media.example.com/live/key", stream.PlatformOther, ""},
		{"empty", "", stream.PlatformOther, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			platform, key := DetectPlatform(tc.url)
			if platform != tc.platform {
				t.Errorf("platform: got %s, want %s", platform, tc.platform)
			}
			if key != tc.key {
				t.Errorf("key: got %q, want %q", key, tc.key)
			}
		})
	}
}
