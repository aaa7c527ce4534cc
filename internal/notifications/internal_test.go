package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type fakeDiscord struct {
	channel string
	embed   *discordgo.MessageEmbed
	err     error
}

func (f *fakeDiscord) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel = channelID
	f.embed = embed
	return &discordgo.Message{}, f.err
}

func TestDiscordNotifierSendsEmbed(t *testing.T) {
	fake := &fakeDiscord{}
	d := &discordNotifier{session: fake, channelID: "chan-1"}
	msg, _ := render(EventStageFailed, Payload{"stage": "packager", "filename": "a.mp3"})
	if err := d.send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.channel != "chan-1" || fake.embed.Title != "stemflow - Packager Failed" {
		t.Fatalf("unexpected embed %#v to %q", fake.embed, fake.channel)
	}
	if fake.embed.Color != discordColorError {
		t.Fatalf("expected error colour, got %x", fake.embed.Color)
	}

	fake.err = errors.New("rate limited")
	if err := d.send(context.Background(), msg); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestBuildEmail(t *testing.T) {
	msg := message{title: "stemflow - Complete", body: "line one\nline two"}
	raw := string(buildEmail("bot@example.com", []string{"a@example.com", "b@example.com"}, msg, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	for _, want := range []string{
		"From: bot@example.com\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Subject: stemflow - Complete\r\n",
		"\r\n\r\nline one\r\nline two\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("email missing %q:\n%s", want, raw)
		}
	}
}

func TestRenderUnknownEvent(t *testing.T) {
	if _, ok := render(Event("nope"), nil); ok {
		t.Fatal("unknown events must not render")
	}
}
