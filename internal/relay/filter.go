package relay

import "github.com/MrWong99/scriberelay/pkg/provider/stt"

// FinalTexts maps one recognition event to the texts that must be delivered:
// nothing for a partial event, otherwise every alternative's text in order.
// An event without alternatives yields an empty slice.
func FinalTexts(ev stt.Event) []string {
	if ev.Partial {
		return nil
	}
	texts := make([]string, 0, len(ev.Alternatives))
	for _, alt := range ev.Alternatives {
		texts = append(texts, alt.Text)
	}
	return texts
}
