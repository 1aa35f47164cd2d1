// Package discord reconciles Discord guild membership into the member
// store. Synced users join as viewers; existing members are never
// modified, so role and override changes made through the API survive a
// sync.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/members"
)

// guildPageSize is the Discord API maximum for one GuildMembers page.
const guildPageSize = 1000

// MemberEnsurer is the slice of the member service the syncer consumes.
type MemberEnsurer interface {
	EnsureMember(ctx context.Context, serverID, userID string, source members.JoinSource) (*members.Member, bool, error)
}

// guildLister is the slice of the Discord session the syncer uses.
type guildLister interface {
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
}

// Syncer pulls guild members from Discord and ensures each has a
// membership row.
type Syncer struct {
	session  *discordgo.Session
	guild    guildLister
	service  MemberEnsurer
	guildID  string
	serverID string
	interval time.Duration
	logger   *logrus.Entry
}

// NewSyncer opens a Discord session for the given bot token.
func NewSyncer(botToken, guildID, serverID string, interval time.Duration, service MemberEnsurer, logger *logrus.Logger) (*Syncer, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if guildID == "" {
		return nil, fmt.Errorf("discord guild id is required")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMembers

	return &Syncer{
		session:  session,
		guild:    session,
		service:  service,
		guildID:  guildID,
		serverID: serverID,
		interval: interval,
		logger:   logger.WithField("component", "discord-sync"),
	}, nil
}

// SyncOnce walks the guild member list and ensures a membership row for
// every non-bot user. It returns the number of newly created members.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	created := 0
	after := ""
	for {
		page, err := s.guild.GuildMembers(s.guildID, after, guildPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return created, fmt.Errorf("failed to list guild members: %w", err)
		}
		if len(page) == 0 {
			return created, nil
		}

		for _, guildMember := range page {
			if guildMember.User == nil || guildMember.User.Bot {
				continue
			}
			_, added, err := s.service.EnsureMember(ctx, s.serverID, guildMember.User.ID, members.SourceDiscordSync)
			if err != nil {
				return created, fmt.Errorf("failed to ensure member %s: %w", guildMember.User.ID, err)
			}
			if added {
				created++
			}
		}

		if len(page) < guildPageSize {
			return created, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// Run syncs immediately and then on every interval tick until the context
// is cancelled. Individual sync failures are logged and retried on the
// next tick.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"guild_id": s.guildID,
		"interval": s.interval.String(),
	}).Info("starting discord member sync")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		created, err := s.SyncOnce(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("discord member sync failed")
		} else if created > 0 {
			s.logger.WithField("created", created).Info("discord member sync added members")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts down the Discord session.
func (s *Syncer) Close() error {
	return s.session.Close()
}
