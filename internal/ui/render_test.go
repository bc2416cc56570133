package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/jmawson/candidate-chat/internal/model/chat"
)

func TestRenderTranscriptEmpty(t *testing.T) {
	out := renderTranscript(nil, 80)
	if !strings.Contains(out, "No messages yet") {
		t.Fatalf("empty transcript = %q", out)
	}
}

func TestRenderMessageWithAudio(t *testing.T) {
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   "Here you go.",
		Timestamp: time.Unix(1000, 0),
		Audio:     "QUJD",
	}
	out := renderMessage(msg, 80)
	if !strings.Contains(out, "voice reply attached") {
		t.Fatalf("no audio marker in %q", out)
	}
	if !strings.Contains(out, "Here you go.") {
		t.Fatalf("content missing from %q", out)
	}
}

func TestRenderMapVariants(t *testing.T) {
	address := renderMap(chat.MapAttachment{
		Kind:    chat.MapKindAddress,
		Address: "1 Market Street",
		MapURL:  "https://maps.example.com/x",
	})
	if !strings.Contains(address, "1 Market Street") || !strings.Contains(address, "https://maps.example.com/x") {
		t.Fatalf("address render = %q", address)
	}

	nearby := renderMap(chat.MapAttachment{
		Kind: chat.MapKindNearby,
		Places: []chat.Place{
			{Name: "Blue Bottle", Address: "66 Mint Street", Rating: "4.5", TotalReviews: 1200},
		},
	})
	if !strings.Contains(nearby, "Blue Bottle") || !strings.Contains(nearby, "4.5") || !strings.Contains(nearby, "1200 reviews") {
		t.Fatalf("nearby render = %q", nearby)
	}

	directions := renderMap(chat.MapAttachment{
		Kind:  chat.MapKindDirections,
		Steps: []string{"Head north", "Turn left"},
	})
	if !strings.Contains(directions, "1. Head north") || !strings.Contains(directions, "2. Turn left") {
		t.Fatalf("directions render = %q", directions)
	}

	distance := renderMap(chat.MapAttachment{
		Kind: chat.MapKindDistance,
		Route: &chat.Route{
			Origin:      "Station",
			Destination: "Office",
			Distance:    "0.8 km",
			Duration:    "10 mins",
		},
		Summary: "A short walk.",
	})
	if !strings.Contains(distance, "Station") || !strings.Contains(distance, "0.8 km") || !strings.Contains(distance, "A short walk.") {
		t.Fatalf("distance render = %q", distance)
	}
}

func TestRenderMedia(t *testing.T) {
	out := renderMedia(chat.MediaAttachment{
		Kind:  chat.MediaKindVideo,
		URL:   "https://media.example.com/team.mp4",
		Title: "Meet the team",
	})
	if !strings.Contains(out, "video") || !strings.Contains(out, "Meet the team") {
		t.Fatalf("media render = %q", out)
	}

	untitled := renderMedia(chat.MediaAttachment{Kind: chat.MediaKindImage, URL: "https://x/img.png"})
	if !strings.Contains(untitled, "https://x/img.png") {
		t.Fatalf("untitled media render = %q", untitled)
	}
}

func TestRenderPrompts(t *testing.T) {
	out := renderPrompts([]string{"One", "Two"})
	if !strings.Contains(out, "Try asking:") || !strings.Contains(out, "One") || !strings.Contains(out, "Two") {
		t.Fatalf("prompts render = %q", out)
	}
}
