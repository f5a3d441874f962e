package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Music System Constants
// ===========================

const (
	MsgMusicServerOnly      = "This command can only be used in a server."
	MsgMusicNotInVoice      = "You are not connected to a voice channel."
	MsgMusicJoined          = "Joined <#%s>."
	MsgMusicLeft            = "Disconnected."
	MsgMusicNowPlaying      = "Now playing: [%s](%s)"
	MsgMusicAddedToQueue    = "Added [%s](%s) to the queue. Currently at queue position %d."
	MsgMusicAddedPlaylist   = "Added **%d** tracks to the queue."
	MsgMusicQueueEmpty      = "The queue is currently empty."
	MsgMusicNothingPlaying  = "No song is currently playing."
	MsgMusicPaused          = "Paused."
	MsgMusicResumed         = "Resumed."
	MsgMusicStopped         = "Stopped."
	MsgMusicSkipped         = "Skipped %d song(s)."
	MsgMusicVolumeSet       = "Volume set to **%d%%**."
	MsgMusicPlayFail        = "Failed: %s"
	MsgMusicRequested       = "User %s (%s) requested playback: %s"
	MsgMusicStoppedBy       = "User %s (%s) stopped playback in guild %s"
	MsgMusicKicked          = "Bot disconnected from voice in guild %s, destroying session"
	MsgMusicManagerShutdown = "Shutting down Player Manager..."
	MsgMusicTrackErrorDM    = "Playback error in guild %s: %s (%v)"
	MsgMusicQueueDisplayErr = "Failed to display queue: %v"
)

// ===========================
// Command Registration
// ===========================

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	connectPerm := discord.PermissionConnect

	OnClientReady(func(ctx context.Context, client bot.Client) {
		pm := GetPlayerManager(client)

		RegisterDaemon(LogPlayer, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				LogPlayer(MsgMusicManagerShutdown)
				pm.Shutdown(context.Background())
			}
		})

		RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
			onPlayerVoiceStateUpdate(client, event)
		})
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "music",
		Description:              "Queued audio playback",
		DefaultMemberPermissions: omit.New(&connectPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Join your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Leave the voice channel and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a URL or search the catalog",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume the paused track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and discard the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip one or more tracks",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "count",
						Description: "How many tracks to skip (default: 1)",
						Required:    false,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "current",
				Description: "Show the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Player Manager Singleton
// ===========================

// GetPlayerManager wires the registry to the live resolver and voice
// output factory on first use.
func GetPlayerManager(client bot.Client) *PlayerSystem {
	OncePlayer.Do(func() {
		idle := DefaultPlayerIdleTimeout
		resolve := DefaultPlayerResolveLimit
		if GlobalConfig != nil {
			idle = GlobalConfig.IdleTimeout
			resolve = GlobalConfig.ResolveTimeout
		}
		PlayerManager = NewPlayerSystem(
			NewTrackResolver(resolve),
			NewVoiceOutputFactory(client),
			idle,
		)
	})
	return PlayerManager
}

// ===========================
// Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicServerOnly, true)
		return
	}
	switch *data.SubCommandName {
	case "join":
		handleMusicJoin(event)
	case "leave":
		handleMusicLeave(event)
	case "play":
		handleMusicPlay(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "stop":
		handleMusicStop(event)
	case "skip":
		handleMusicSkip(event, data)
	case "queue":
		handleMusicQueue(event)
	case "current":
		handleMusicCurrent(event)
	case "volume":
		handleMusicVolume(event, data)
	}
}

// callerVoiceChannel finds the invoking user's voice channel in the guild.
func callerVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, error) {
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, errors.New(MsgMusicNotInVoice)
	}
	return *vs.ChannelID, nil
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	channelID, err := callerVoiceChannel(event)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, err.Error(), true)
		return
	}

	_ = event.DeferCreateMessage(false)
	pm := GetPlayerManager(*event.Client())
	if _, err := pm.GetOrCreate(context.Background(), *event.GuildID(), channelID); err != nil {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicPlayFail, err))
		return
	}
	_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicJoined, channelID))
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	pm := GetPlayerManager(*event.Client())
	pm.Destroy(context.Background(), *event.GuildID())
	_ = RespondInteractionV2(*event.Client(), event, MsgMusicLeft, false)
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))
	LogPlayer(MsgMusicRequested, event.User().Username, event.User().ID, Truncate(query, 120))

	channelID, err := callerVoiceChannel(event)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, err.Error(), true)
		return
	}

	_ = event.DeferCreateMessage(false)
	pm := GetPlayerManager(*event.Client())

	session, err := pm.GetOrCreate(context.Background(), *event.GuildID(), channelID)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicPlayFail, err))
		return
	}
	session.SetOnTrackError(func(entry *QueueEntry, cause error) {
		LogPlayer(MsgMusicTrackErrorDM, session.GuildID, entry.DisplayTitle(), cause)
	})

	wasActive := session.State() != StateIdle
	pending := session.QueueLen()

	entries, err := pm.Play(context.Background(), *event.GuildID(), query)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicPlayFail, err))
		return
	}

	for _, e := range entries {
		if dbErr := AddPlayHistory(context.Background(), *event.GuildID(), e); dbErr != nil {
			LogDatabase(MsgDBHistoryAddFail, dbErr)
		}
	}

	first := entries[0]
	switch {
	case len(entries) > 1:
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicAddedPlaylist, len(entries)))
	case wasActive:
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicAddedToQueue, first.DisplayTitle(), first.Reference, pending+1))
	default:
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicNowPlaying, first.DisplayTitle(), first.Reference))
	}
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}
	if err := s.Pause(); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicPlayFail, err), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, MsgMusicPaused, false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}
	if err := s.Resume(); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicPlayFail, err), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, MsgMusicResumed, false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	LogPlayer(MsgMusicStoppedBy, event.User().Username, event.User().ID, *event.GuildID())
	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}
	s.Stop()
	_ = RespondInteractionV2(*event.Client(), event, MsgMusicStopped, false)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	count := 1
	if v, ok := data.OptInt("count"); ok && v > 0 {
		count = v
	}

	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}

	skipped := s.Skip(count)
	if skipped == 0 {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicSkipped, skipped), false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicQueueEmpty)
		return
	}

	now := s.Current()
	queue := s.QueueSnapshot()

	if now == nil && len(queue) == 0 {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicQueueEmpty)
		return
	}

	var components []interface{}

	if now != nil {
		components = append(components, NewTextDisplay("**Now Playing:**"))
		line := fmt.Sprintf("[%s](%s)", now.DisplayTitle(), now.Reference)
		if now.Channel != "" && now.Channel != "NA" {
			line += " · " + now.Channel
		}
		if now.Duration > 0 {
			line += " · " + FormatDuration(now.Duration)
		}
		if thumb := entryThumbnailURL(now); thumb != "" {
			components = append(components, NewSection(line, NewThumbnail(thumb)))
		} else {
			components = append(components, NewTextDisplay(line))
		}
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if len(queue) == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
	} else {
		var qList strings.Builder
		for i, e := range queue {
			if i >= 10 {
				qList.WriteString(fmt.Sprintf("\n*...and %d more*", len(queue)-10))
				break
			}
			qList.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, e.DisplayTitle(), e.Reference))
		}
		components = append(components, NewTextDisplay(qList.String()))
	}

	if count, err := GetPlayHistoryCount(context.Background(), *event.GuildID()); err == nil && count > 0 {
		components = append(components, NewSeparator(false))
		components = append(components, NewTextDisplay(fmt.Sprintf("-# %d track(s) played in this server", count)))
	}

	if err := EditInteractionContainerV2(*event.Client(), event, NewV2Container(components...)); err != nil {
		LogPlayer(MsgMusicQueueDisplayErr, err)
	}
}

func handleMusicCurrent(event *events.ApplicationCommandInteractionCreate) {
	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil || s.Current() == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}

	now := s.Current()
	line := fmt.Sprintf("[%s](%s)", now.DisplayTitle(), now.Reference)
	if now.Channel != "" && now.Channel != "NA" {
		line += " · " + now.Channel
	}
	if s.State() == StatePaused {
		line += " (paused)"
	}

	if thumb := entryThumbnailURL(now); thumb != "" {
		container := NewV2Container(NewSection(line, NewThumbnail(thumb)))
		_ = RespondInteractionContainerV2(*event.Client(), event, container, false)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, line, false)
}

// entryThumbnailURL derives the catalog artwork URL for an entry.
func entryThumbnailURL(e *QueueEntry) string {
	if e == nil || !isYouTubeURL(e.Reference) {
		return ""
	}
	return "https://i.ytimg.com/vi/" + extractVideoID(e.Reference) + "/hqdefault.jpg"
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vol := data.Int("set")
	s := GetPlayerManager(*event.Client()).GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNothingPlaying, true)
		return
	}

	if vo, ok := s.Output().(*VoiceOutput); ok {
		vo.Volume.Store(int32(vol))
	}
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicVolumeSet, vol), false)
}

// ===========================
// Autocomplete
// ===========================

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	if q == "" {
		_ = event.AutocompleteResult(recentHistoryChoices(event.GuildID()))
		return
	}

	pm := GetPlayerManager(*event.Client())
	resolver, ok := pm.resolver.(*TrackResolver)
	if !ok {
		_ = event.AutocompleteResult(nil)
		return
	}

	rs, err := resolver.Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= MaxSearchChoices {
			break
		}
		n := r.Title
		if r.ChannelName != "" {
			n = Truncate(r.Title+" - "+r.ChannelName, 100)
		}
		v := r.URL
		if len(v) > 100 {
			v = Truncate(r.Title, 100)
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// recentHistoryChoices seeds an empty query with the guild's last plays.
func recentHistoryChoices(guildID *snowflake.ID) []discord.AutocompleteChoice {
	if guildID == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	records, err := GetRecentPlayHistory(ctx, *guildID, MaxSearchChoices)
	if err != nil {
		return nil
	}
	var cs []discord.AutocompleteChoice
	for _, r := range records {
		name := Truncate(r.Title, 100)
		if name == "" {
			name = Truncate(r.Reference, 100)
		}
		value := r.Reference
		if len(value) > 100 {
			value = name
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: name, Value: value})
	}
	return cs
}

// ===========================
// Voice State Teardown
// ===========================

// onPlayerVoiceStateUpdate destroys the session when the bot itself is
// disconnected from voice by a moderator or channel deletion.
func onPlayerVoiceStateUpdate(client bot.Client, event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != client.ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	pm := GetPlayerManager(client)
	if pm.GetSession(event.VoiceState.GuildID) == nil {
		return
	}
	LogPlayer(MsgMusicKicked, event.VoiceState.GuildID)
	pm.Destroy(context.Background(), event.VoiceState.GuildID)
}
