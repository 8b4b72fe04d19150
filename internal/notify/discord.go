package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordSession is the subset of *discordgo.Session used here.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts summaries as embeds to a channel.
type Discord struct {
	sess        discordSession
	channel     string
	baseBackoff time.Duration
}

// NewDiscord returns a Discord notifier. Only REST calls are made, so the
// gateway is never opened.
func NewDiscord(token, channel string) (*Discord, error) {
	if channel == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{sess: dg, channel: channel, baseBackoff: time.Second}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, s Summary) error {
	embed := eventToEmbed(Format(s))
	for attempt := 0; ; attempt++ {
		_, err := d.sess.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx))
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return fmt.Errorf("discord: send: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.baseBackoff << attempt):
		}
	}
}

func eventToEmbed(evt Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
		Color:       parseHexColor(evt.Color),
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts "#36a64f" to 0x36a64f. Invalid digits are skipped.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		switch {
		case c >= '0' && c <= '9':
			color = color<<4 | int(c-'0')
		case c >= 'a' && c <= 'f':
			color = color<<4 | int(c-'a'+10)
		case c >= 'A' && c <= 'F':
			color = color<<4 | int(c-'A'+10)
		}
	}
	return color
}
