package chat

// ChannelType distinguishes how a channel is presented.
type ChannelType string

const (
	ChannelTypeText         ChannelType = "text"
	ChannelTypeVoice        ChannelType = "voice"
	ChannelTypeAnnouncement ChannelType = "announcement"
)

// DefaultChannelID is where the welcome message lives and where clients start.
const DefaultChannelID = "general"

// SpaceID names the single logical space every connection shares.
const SpaceID = "s1"

// Channel is a display entry in the client catalogue.
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type ChannelType `json:"type"`
}

// Category groups channels under a heading.
type Category struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Channels []Channel `json:"channels"`
}

// Catalogue returns the channel layout of the shared space. The relay never
// consults it; channel ids are opaque on the wire.
func Catalogue() []Category {
	return []Category{
		{
			ID:   "c1",
			Name: "Information",
			Channels: []Channel{
				{ID: "rules", Name: "rules", Type: ChannelTypeText},
				{ID: "announcements", Name: "announcements", Type: ChannelTypeAnnouncement},
			},
		},
		{
			ID:   "c2",
			Name: "Text Channels",
			Channels: []Channel{
				{ID: "general", Name: "general", Type: ChannelTypeText},
				{ID: "chat", Name: "chat", Type: ChannelTypeText},
				{ID: "memes", Name: "memes", Type: ChannelTypeText},
			},
		},
		{
			ID:   "c3",
			Name: "Voice Channels",
			Channels: []Channel{
				{ID: "v1", Name: "General", Type: ChannelTypeVoice},
				{ID: "v2", Name: "Gaming", Type: ChannelTypeVoice},
			},
		},
	}
}

// LookupChannel finds a channel in the catalogue.
func LookupChannel(channelID string) (Channel, bool) {
	for _, category := range Catalogue() {
		for _, channel := range category.Channels {
			if channel.ID == channelID {
				return channel, true
			}
		}
	}
	return Channel{}, false
}
