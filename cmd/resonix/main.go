// cmd/resonix/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mkarpov/resonix/internal/config"
	"github.com/mkarpov/resonix/internal/events"
	"github.com/mkarpov/resonix/internal/logging"
	"github.com/mkarpov/resonix/internal/music/cache"
	"github.com/mkarpov/resonix/internal/music/pipeline"
	"github.com/mkarpov/resonix/internal/music/preload"
	"github.com/mkarpov/resonix/internal/music/resolver"
	"github.com/mkarpov/resonix/internal/music/session"
	"github.com/mkarpov/resonix/internal/music/voice"
	"github.com/mkarpov/resonix/internal/storage"
	"github.com/mkarpov/resonix/internal/track"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Options{})
		fallback.Fatal().Err(err).Msg("configuration error")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	log.Info().Msg("starting resonix")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer store.Close()

	streamCache := cache.New(cache.Config{
		CapacityBytes: cfg.CacheCapacityBytes,
		TTL:           cfg.CacheTTL,
		SweepInterval: cfg.CacheSweepInterval,
	}, log)
	go streamCache.Run(ctx)
	defer streamCache.Close()

	bus := events.NewBus()
	go recordTrackHistory(ctx, bus, store, log)

	yt := resolver.NewYouTube(log)
	auto := resolver.NewAuto(yt, yt, resolver.NewSoundCloud(log), resolver.NewRadio(log))

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatal().Err(err).Msg("discord session init failed")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	transport := voice.NewDiscordTransport(dg)
	limiter := rate.NewLimiter(rate.Limit(cfg.PreloadRatePerSec), cfg.PreloadBurst)

	registry := session.NewRegistry(func(guildID string) *session.Session {
		pipe := pipeline.New(
			&pipeline.FFmpegOpener{Binary: cfg.FFmpegBinary, Log: log},
			pipeline.Config{
				StartTimeout:  cfg.StartTimeout,
				RetryAttempts: cfg.RetryAttempts,
				RetryBase:     cfg.RetryBase,
			},
			log,
		)
		sess := session.New(guildID, session.Config{
			TeardownGrace:  cfg.TeardownGrace,
			Preload:        preload.Config{Depth: cfg.PreloadDepth, Interval: cfg.PreloadInterval},
			PreloadLimiter: limiter,
		}, session.Deps{
			Resolver:  auto,
			Pipeline:  pipe,
			Cache:     streamCache,
			Transport: transport,
			Bus:       bus,
			Storage:   store,
			Log:       log,
		})
		// Loop mode, effects and volume are sticky per guild across
		// restarts; the queue itself is not revived.
		if snap, ok, err := store.LoadSession(guildID); err == nil && ok {
			sess.Restore(snap)
		}
		return sess
	}, log)

	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		routeVoiceState(s, vs, registry, log)
	})

	if err := dg.Open(); err != nil {
		log.Fatal().Err(err).Msg("discord gateway open failed")
	}
	defer dg.Close()
	log.Info().Msg("gateway connected")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	var s os.Signal
	for s = <-sig; s == syscall.SIGUSR1; s = <-sig {
		dumpSessions(registry, store, log)
	}
	log.Info().Str("signal", s.String()).Msg("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	registry.Drain(drainCtx)
	cancel()
}

// recordTrackHistory consumes started-track events into the per-guild play
// history.
func recordTrackHistory(ctx context.Context, bus *events.Bus, store *storage.Storage, log zerolog.Logger) {
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			if ev.Type != events.TrackStarted {
				continue
			}
			d, ok := ev.Payload.(track.Descriptor)
			if !ok {
				continue
			}
			if err := store.AppendTrackToHistory(ev.GuildID, d); err != nil {
				log.Warn().Err(err).Str("guild_id", ev.GuildID).Msg("track history write failed")
			}
		}
	}
}

// dumpSessions logs every active session with its recent play history. The
// operator triggers it with SIGUSR1 to inspect a running instance.
func dumpSessions(registry *session.Registry, store *storage.Storage, log zerolog.Logger) {
	guilds := registry.List()
	log.Info().Int("sessions", len(guilds)).Msg("session dump")
	for _, guildID := range guilds {
		snap, err := registry.SessionState(guildID)
		if err != nil {
			continue
		}
		history, err := store.FetchTrackHistory(guildID)
		if err != nil {
			log.Warn().Err(err).Str("guild_id", guildID).Msg("history read failed")
		}
		recent := make([]string, 0, len(history))
		for _, played := range history {
			recent = append(recent, played.Track.Title)
		}
		log.Info().
			Str("guild_id", guildID).
			Str("pipeline_state", string(snap.PipelineState)).
			Dur("position", snap.Position).
			Int("queue_len", len(snap.Queue.Entries)).
			Int("volume", snap.Volume).
			Strs("effects", snap.Effects.Active()).
			Strs("recent_tracks", recent).
			Msg("session state")
	}
}

// routeVoiceState forwards channel occupancy changes to the guild session.
func routeVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate, registry *session.Registry, log zerolog.Logger) {
	sess, err := registry.Get(vs.GuildID)
	if err != nil {
		return
	}
	channelID := sess.Snapshot().VoiceChannelID
	if channelID == "" {
		return
	}

	listeners, err := countListeners(s, vs.GuildID, channelID)
	if err != nil {
		log.Debug().Err(err).Str("guild_id", vs.GuildID).Msg("voice state lookup failed")
		return
	}
	if listeners == 0 {
		sess.OnChannelEmpty()
	} else {
		sess.OnMemberJoin()
	}
}

// countListeners counts non-bot members in the channel.
func countListeners(s *discordgo.Session, guildID, channelID string) (int, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := s.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			continue
		}
		count++
	}
	return count, nil
}
