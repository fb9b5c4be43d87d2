package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestStripMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain mention", "<@123> hello", "hello"},
		{"nick mention", "<@!123> hello", "hello"},
		{"mid-message", "hey <@123> what's up", "hey  what's up"},
		{"other user untouched", "<@999> hello", "<@999> hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMentions(tt.in, "123"); got != tt.want {
				t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMentioned(t *testing.T) {
	c := &Channel{botUserID: "123"}

	with := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "999"}, {ID: "123"}},
	}}
	if !c.mentioned(with) {
		t.Error("bot mention not detected")
	}

	without := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "999"}},
	}}
	if c.mentioned(without) {
		t.Error("false positive mention")
	}
}

func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		m    *discordgo.MessageCreate
		want string
	}{
		{
			"nick wins",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Member: &discordgo.Member{Nick: "Nick"},
				Author: &discordgo.User{GlobalName: "Global", Username: "user"},
			}},
			"Nick",
		},
		{
			"global name next",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{GlobalName: "Global", Username: "user"},
			}},
			"Global",
		},
		{
			"username fallback",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "user"},
			}},
			"user",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(tt.m); got != tt.want {
				t.Errorf("resolveDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
