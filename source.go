package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"
)

// ===========================
// Constants & Variables
// ===========================

const (
	MsgSourceResolving     = "Resolving %s"
	MsgSourcePlaylist      = "Expanded playlist %s into %d entries"
	MsgSourceSearchPick    = "Picked %q for query %q"
	MsgSourceMetadataFail  = "yt-dlp metadata failed: %v (URL: %s)"
	MaxPlaylistEntries     = 100
	MaxSearchChoices       = 25
)

var (
	cachedJSArgs []string
	jsOnce       sync.Once

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)
)

// SearchResult represents a catalog search hit.
type SearchResult struct{ Title, ChannelName, URL string }

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type ytdlpPlaylistEntry struct{ URL, Title, Uploader string }

// ===========================
// Track Resolver
// ===========================

// TrackResolver turns user references into playable queue entries:
// direct URLs get their metadata resolved, playlist URLs expand to one
// entry per item, and anything else goes through catalog search. Media
// URLs are fetched lazily via the handle's Load func so resolution stays
// cheap.
type TrackResolver struct {
	cache   *QueryCache
	limiter *rate.Limiter
	timeout time.Duration
}

func NewTrackResolver(timeout time.Duration) *TrackResolver {
	return &TrackResolver{
		cache:   &QueryCache{items: make(map[string]cachedItem)},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		timeout: timeout,
	}
}

func (r *TrackResolver) Resolve(ctx context.Context, reference string) ([]*QueueEntry, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, errors.New("empty reference")
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	LogSource(MsgSourceResolving, Truncate(reference, 120))

	if isURL(reference) {
		if isPlaylistURL(reference) {
			return r.resolvePlaylist(rctx, reference)
		}
		return r.resolveDirect(rctx, reference)
	}
	return r.resolveSearch(rctx, reference)
}

// resolveDirect resolves a single URL's metadata without downloading.
func (r *TrackResolver) resolveDirect(ctx context.Context, u string) ([]*QueueEntry, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	title, uploader, _, d, err := ytdlpResolveMetadata(ctx, u)
	if err != nil {
		return nil, err
	}

	entry := &QueueEntry{
		Reference: u,
		Title:     title,
		Channel:   uploader,
		Kind:      SourceDirect,
		Duration:  d,
		Handle:    r.newStreamHandle(u, title),
	}
	return []*QueueEntry{entry}, nil
}

// resolvePlaylist expands a playlist URL into entries in playlist order.
func (r *TrackResolver) resolvePlaylist(ctx context.Context, u string) ([]*QueueEntry, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	items, err := ytdlpExtractPlaylist(ctx, u, MaxPlaylistEntries)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("playlist is empty")
	}

	entries := make([]*QueueEntry, 0, len(items))
	for _, it := range items {
		if it.URL == "" || it.URL == "NA" {
			continue
		}
		entries = append(entries, &QueueEntry{
			Reference: it.URL,
			Title:     it.Title,
			Channel:   it.Uploader,
			Kind:      SourceDirect,
			Handle:    r.newStreamHandle(it.URL, it.Title),
		})
	}
	if len(entries) == 0 {
		return nil, errors.New("playlist had no playable entries")
	}

	LogSource(MsgSourcePlaylist, Truncate(u, 120), len(entries))
	return entries, nil
}

// resolveSearch picks the top catalog hit for a free-text query.
func (r *TrackResolver) resolveSearch(ctx context.Context, q string) ([]*QueueEntry, error) {
	results, err := r.Search(q)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no results")
	}

	top := results[0]
	LogSource(MsgSourceSearchPick, top.Title, q)

	entry := &QueueEntry{
		Reference: top.URL,
		Title:     top.Title,
		Channel:   top.ChannelName,
		Kind:      SourceCatalog,
		Handle:    r.newStreamHandle(top.URL, top.Title),
	}
	return []*QueueEntry{entry}, nil
}

// newStreamHandle defers media-URL extraction to playback time. The page
// URL a user sees is not openable by the demuxer; the googlevideo stream
// URL it loads is.
func (r *TrackResolver) newStreamHandle(pageURL, title string) *StreamHandle {
	return &StreamHandle{
		Title: title,
		Load: func(ctx context.Context) (string, error) {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", err
			}
			return ytdlpExtractMediaURL(ctx, pageURL)
		},
	}
}

// Search runs YouTube Music and YouTube searches in parallel, dedupes by
// video id, and caches the merged list for an hour.
func (r *TrackResolver) Search(q string) ([]SearchResult, error) {
	// 1. Check Cache
	r.cache.RLock()
	if item, ok := r.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			r.cache.RUnlock()
			return item.results, nil
		}
	}
	r.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title, 100), ChannelName: art})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(ctx, q)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title, 100), ChannelName: v.Channel.Title})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > MaxSearchChoices {
		fin = fin[:MaxSearchChoices]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		r.cache.Lock()
		r.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		r.cache.Unlock()
	}

	return fin, nil
}

// ===========================
// YT-DLP
// ===========================

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if GlobalConfig != nil && GlobalConfig.YtdlpProxy != "" {
		cmd.Proxy(GlobalConfig.YtdlpProxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func ytdlpResolveMetadata(ctx context.Context, u string) (string, string, string, time.Duration, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(title)s\t%(uploader)s\t%(duration_string)s\t%(id)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if err != nil {
		if res != nil && strings.Contains(strings.ToLower(res.Stderr), "drm") {
			return "", "", "", 0, fmt.Errorf("DRM: %w", err)
		}
		return "", "", "", 0, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		return ps[0], ps[1], ps[3], parseDurationColon(ps[2]), nil
	}
	return "", "", "", 0, errors.New("failed to resolve metadata")
}

// ytdlpExtractMediaURL fetches the direct bestaudio stream URL.
func ytdlpExtractMediaURL(ctx context.Context, u string) (string, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		if res != nil {
			LogSource(MsgSourceMetadataFail, err, Truncate(u, 120))
		}
		return "", err
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "http") {
			return l, nil
		}
	}
	return "", errors.New("no stream url")
}

func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]ytdlpPlaylistEntry, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, append(args, u, "--yes-playlist")...)

	var stdout, stderr strings.Builder
	res.Stdout = &stdout
	res.Stderr = &stderr

	if err := res.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp playlist failed: %w, stderr: %s", err, stderr.String())
	}

	rawOutput := strings.TrimSpace(stdout.String())
	ls := strings.Split(rawOutput, "\n")

	es := make([]ytdlpPlaylistEntry, 0)
	isYouTube := isYouTubeURL(u) || strings.Contains(u, "music.youtube.com")

	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 {
			continue
		}
		url := ps[0]
		title := ps[1]
		uploader := ps[2]

		if isYouTube && len(ps) >= 4 {
			id := ps[3]
			if id != "" && id != "NA" {
				url = "https://www.youtube.com/watch?v=" + id
			}
		}

		es = append(es, ytdlpPlaylistEntry{URL: url, Title: title, Uploader: uploader})
	}
	return es, nil
}

// ===========================
// URL Helpers
// ===========================

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isPlaylistURL(u string) bool {
	return strings.Contains(u, "list=") && !strings.Contains(u, "watch?v=")
}

func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}

// isYouTubeURL checks if a URL is a YouTube URL.
func isYouTubeURL(u string) bool {
	return strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be") || strings.Contains(u, "google.com/url")
}

func parseDurationColon(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	var total time.Duration
	for _, p := range parts {
		total = total*60 + time.Duration(Atoi(p))*time.Second
	}
	return total
}
