package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTiktok    Platform = "tiktok"
	PlatformYoutube   Platform = "youtube"
)

var knownPlatforms = []Platform{PlatformInstagram, PlatformTiktok, PlatformYoutube}

// KnownPlatforms returns every recognized platform.
func KnownPlatforms() []Platform {
	return slices.Clone(knownPlatforms)
}

func ParsePlatform(v string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(v)))
	if !slices.Contains(knownPlatforms, p) {
		return "", NewInvalidRequest(fmt.Sprintf("unknown platform: %s", v))
	}
	return p, nil
}

// RequiresMedia reports whether a post to p must carry a media file.
func (p Platform) RequiresMedia() bool {
	switch p {
	case PlatformInstagram, PlatformTiktok, PlatformYoutube:
		return true
	}
	return false
}

// Supports reports whether p has an operation for posts of type t.
func (p Platform) Supports(t PostType) bool {
	if t == PostTypeStory {
		return p == PlatformInstagram
	}
	return true
}

// PlatformSet is an ordered set of recognized platforms without duplicates.
type PlatformSet []Platform

// ParsePlatforms parses the request form value, a JSON array of identifiers.
func ParsePlatforms(raw string) (PlatformSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, NewInvalidRequest("platforms must be a JSON array of strings")
	}
	return NewPlatformSet(names...)
}

func NewPlatformSet(names ...string) (PlatformSet, error) {
	set := make(PlatformSet, 0, len(names))
	for _, name := range names {
		p, err := ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		if !set.Contains(p) {
			set = append(set, p)
		}
	}
	return set, nil
}

func (s PlatformSet) Contains(p Platform) bool {
	return slices.Contains(s, p)
}

func (s PlatformSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}
