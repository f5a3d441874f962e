package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationColon(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"0:45", 45 * time.Second},
		{"3:05", 3*time.Minute + 5*time.Second},
		{"10:00", 10 * time.Minute},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"42", 42 * time.Second},
		{" 2:30 ", 2*time.Minute + 30*time.Second},
		{"", 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseDurationColon(c.in), "input %q", c.in)
	}
}

func TestExtractVideoID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123", "dQw4w9WgXcQ"},
		{"https://music.youtube.com/watch?v=abc123&si=xyz", "abc123"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?t=30", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/xyz789", "xyz789"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, extractVideoID(c.in), "input %q", c.in)
	}
}

func TestExtractVideoIDFallsBackToHash(t *testing.T) {
	// Non-catalog URLs still need a stable dedup key.
	a := extractVideoID("https://example.com/stream.mp3")
	b := extractVideoID("https://example.com/stream.mp3")
	c := extractVideoID("https://example.com/other.mp3")

	require.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestIsURL(t *testing.T) {
	assert.True(t, isURL("https://youtube.com/watch?v=x"))
	assert.True(t, isURL("http://example.com/a.mp3"))
	assert.False(t, isURL("never gonna give you up"))
	assert.False(t, isURL("youtube.com/watch?v=x"))
}

func TestIsPlaylistURL(t *testing.T) {
	assert.True(t, isPlaylistURL("https://www.youtube.com/playlist?list=PL123"))
	assert.False(t, isPlaylistURL("https://www.youtube.com/watch?v=abc&list=PL123"), "a watch URL with a list param plays the single video")
	assert.False(t, isPlaylistURL("https://www.youtube.com/watch?v=abc"))
}

func TestIsYouTubeURL(t *testing.T) {
	assert.True(t, isYouTubeURL("https://www.youtube.com/watch?v=abc"))
	assert.True(t, isYouTubeURL("https://youtu.be/abc"))
	assert.True(t, isYouTubeURL("https://music.youtube.com/watch?v=abc"))
	assert.False(t, isYouTubeURL("https://soundcloud.com/artist/track"))
}

func TestSearchReturnsCachedResults(t *testing.T) {
	r := NewTrackResolver(5 * time.Second)
	cached := []SearchResult{{Title: "Cached Song", ChannelName: "Cached Channel", URL: "https://www.youtube.com/watch?v=cached"}}
	r.cache.Lock()
	r.cache.items["my query"] = cachedItem{results: cached, expiresAt: time.Now().Add(time.Hour)}
	r.cache.Unlock()

	got, err := r.Search("my query")
	require.NoError(t, err)
	assert.Equal(t, cached, got)
}

func TestSourceKindString(t *testing.T) {
	assert.Equal(t, "direct", SourceDirect.String())
	assert.Equal(t, "catalog", SourceCatalog.String())
}

func TestQueueEntryDisplayTitle(t *testing.T) {
	withTitle := &QueueEntry{Reference: "https://youtu.be/abc", Title: "A Song"}
	assert.Equal(t, "A Song", withTitle.DisplayTitle())

	bare := &QueueEntry{Reference: "https://youtu.be/abc"}
	assert.Equal(t, "https://youtu.be/abc", bare.DisplayTitle())
}

func TestPlaybackStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
