package notifications

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	discordColorError   = 0xE74C3C
	discordColorSuccess = 0x2ECC71
	discordColorInfo    = 0x3498DB
)

type discordSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type discordNotifier struct {
	session   discordSender
	channelID string
}

func newDiscordNotifier(token, channelID string, client *http.Client) (*discordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Client = client
	session.UserAgent = userAgent
	return &discordNotifier{session: session, channelID: channelID}, nil
}

func (d *discordNotifier) name() string { return "discord" }

func (d *discordNotifier) send(ctx context.Context, msg message) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.title,
		Description: msg.body,
		Color:       discordColor(msg),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "stemflow"},
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord embed: %w", err)
	}
	return nil
}

func discordColor(msg message) int {
	switch {
	case msg.priority == "high":
		return discordColorError
	case len(msg.tags) > 1 && msg.tags[1] == "completed":
		return discordColorSuccess
	default:
		return discordColorInfo
	}
}
