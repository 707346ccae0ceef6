// Package voice holds the list of voices a speech engine offers and lets
// callers pick one by index.
package voice

import (
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Voice identifies one engine voice. The zero Voice means "engine default".
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

func (v Voice) IsDefault() bool { return v.Name == "" }

func (v Voice) String() string {
	if v.IsDefault() {
		return "default"
	}
	if v.Lang == "" {
		return v.Name
	}
	return v.Name + " (" + v.Lang + ")"
}

// FromConfig converts configured voices.
func FromConfig(source []config.VoiceConfig) []Voice {
	if len(source) == 0 {
		return nil
	}
	result := make([]Voice, 0, len(source))
	for _, v := range source {
		result = append(result, Voice{Name: v.Name, Lang: v.Lang})
	}
	return result
}

func fromProtocol(source []protocol.VoiceInfo) []Voice {
	result := make([]Voice, 0, len(source))
	for _, v := range source {
		if v.Name == "" {
			continue
		}
		result = append(result, Voice{Name: v.Name, Lang: v.Lang})
	}
	return result
}

// Select returns voices[index], or the default voice when index is out of
// range. ok reports whether a listed voice was chosen.
func Select(voices []Voice, index int) (Voice, bool) {
	if index < 0 || index >= len(voices) {
		return Voice{}, false
	}
	return voices[index], true
}
