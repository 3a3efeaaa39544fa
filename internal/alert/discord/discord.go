// Package discord posts alert events as embeds to a Discord channel.
//
// Only the REST API is used; no gateway connection is opened.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/airea/internal/alert"
)

// Embed colours.
const (
	colorConfirmed = 0xE67E22 // orange
)

// API is the subset of *discordgo.Session used by the sink.
type API interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

var _ alert.Sink = (*Sink)(nil)

// Sink sends one embed per event.
type Sink struct {
	api       API
	channelID string
	name      string
}

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithName overrides the sink name. Defaults to "discord".
func WithName(name string) Option {
	return func(s *Sink) { s.name = name }
}

// New creates a Sink that authenticates with a bot token.
func New(token, channelID string, opts ...Option) (*Sink, error) {
	if token == "" {
		return nil, errors.New("discord: token must not be empty")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return NewWithAPI(session, channelID, opts...)
}

// NewWithAPI creates a Sink over an existing API client.
func NewWithAPI(api API, channelID string, opts ...Option) (*Sink, error) {
	if channelID == "" {
		return nil, errors.New("discord: channel ID must not be empty")
	}
	s := &Sink{api: api, channelID: channelID, name: "discord"}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements alert.Sink.
func (s *Sink) Name() string { return s.name }

// Dispatch implements alert.Dispatcher.
func (s *Sink) Dispatch(ctx context.Context, ev alert.Event) error {
	_, err := s.api.ChannelMessageSendEmbed(s.channelID, BuildEmbed(ev), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send embed for event %s: %w", ev.EventID, err)
	}
	return nil
}

// Ping verifies that the channel is reachable with the configured token.
func (s *Sink) Ping(ctx context.Context) error {
	if _, err := s.api.Channel(s.channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: channel %s: %w", s.channelID, err)
	}
	return nil
}

// Close implements alert.Sink. The REST client holds no resources.
func (s *Sink) Close() error { return nil }

// BuildEmbed renders ev as a Discord embed.
func BuildEmbed(ev alert.Event) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Cough detected",
		Description: fmt.Sprintf("Device `%s` reported a %s cough.", ev.DeviceID, ev.EventType),
		Color:       colorConfirmed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Confidence", Value: fmt.Sprintf("%.1f%%", ev.Confidence*100), Inline: true},
			{Name: "Raw score", Value: fmt.Sprintf("%.3f", ev.RawScore), Inline: true},
			{Name: "Peak", Value: fmt.Sprintf("%.1f dBFS", ev.PeakDecibel), Inline: true},
			{Name: "Average volume", Value: fmt.Sprintf("%.0f", ev.AverageVolume), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: "event " + ev.EventID,
		},
		Timestamp: ev.Time().UTC().Format(time.RFC3339),
	}
}
