package app

import (
	"regexp"
	"strconv"
	"strings"

	"lunabot/pkg/domain"
)

var phoneRegex = regexp.MustCompile(`(?:^|\D)(\+?\d{10,15})(?:\D|$)`)

// Text lookup paths, most specific first. Covers Baileys-shaped events and
// the flat Uazapi formats.
var textKeysPriority = []string{
	"data.data.messages.0.message.conversation",
	"data.data.messages.0.message.extendedTextMessage.text",
	"messages.0.message.conversation",
	"messages.0.message.extendedTextMessage.text",
	"data.text",
	"data.message",
	"data.body",
	"text",
	"message",
	"body",
	"content",
	"caption",
}

var textScanKeys = map[string]struct{}{
	"text":         {},
	"message":      {},
	"body":         {},
	"content":      {},
	"caption":      {},
	"conversation": {},
}

var mediaURLScanKeys = map[string]struct{}{
	"url":         {},
	"fileurl":     {},
	"mediaurl":    {},
	"downloadurl": {},
}

// ExtractEvent pulls the sender phone, text and media type out of a webhook
// payload without assuming a single provider format. It returns ok=false when
// no usable phone number could be found anywhere in the payload.
func ExtractEvent(payload map[string]any) (domain.Event, bool) {
	ev := domain.Event{Raw: payload}

	msg, _ := deepGet(payload, "data.data.messages.0").(map[string]any)
	if msg == nil {
		msg, _ = deepGet(payload, "messages.0").(map[string]any)
	}

	ev.Phone = extractPhone(payload, msg)
	ev.Text = extractText(payload)
	if ev.Text != "" {
		ev.MediaType = domain.MediaText
	} else {
		ev.MediaType = detectMediaType(payload)
		ev.MediaURL = scanForMediaURL(payload)
	}
	ev.PushName = extractPushName(payload)

	if onlyDigitsLen(ev.Phone) < 10 {
		ev.Phone = ""
	}
	return ev, ev.Phone != ""
}

func extractPhone(payload map[string]any, msg map[string]any) string {
	// Canonical JIDs first.
	candidates := []any{
		deepGet(msg, "key.remoteJid"),
		index(msg, "remoteJid"),
		deepGet(payload, "chat.chatId"),
		deepGet(payload, "chat.remoteJid"),
		deepGet(payload, "key.remoteJid"),
	}
	for _, c := range candidates {
		if phone := phoneFromJID(c); phone != "" {
			return phone
		}
	}

	// Group chats carry the actual sender in participant/author.
	if isGroupJID(deepGet(msg, "key.remoteJid")) || isGroupJID(index(msg, "remoteJid")) {
		for _, c := range []any{
			deepGet(msg, "key.participant"),
			payload["participant"],
			payload["author"],
		} {
			if phone := phoneFromJID(c); phone != "" {
				return phone
			}
		}
	}

	// Flat provider formats.
	for _, key := range []string{"chatId", "from", "phone", "number"} {
		v := payload[key]
		if phone := phoneFromJID(v); phone != "" {
			return phone
		}
		if s, ok := v.(string); ok {
			if digits := onlyDigits(s); len(digits) >= 10 {
				return digits
			}
		}
	}

	// chat.id only counts when it carries a JID suffix; bare alphanumeric
	// chat ids are not phone numbers.
	if phone := phoneFromJID(deepGet(payload, "chat.id")); phone != "" {
		return phone
	}

	return scanForPhone(payload)
}

// phoneFromJID extracts a phone from a JID string. Group JIDs (@g.us) are
// rejected; bare digit strings need at least 10 digits.
func phoneFromJID(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@g.us") {
		return ""
	}
	if strings.Contains(s, "@s.whatsapp.net") || strings.Contains(s, "@c.us") {
		return onlyDigits(strings.SplitN(s, "@", 2)[0])
	}
	if digits := onlyDigits(s); len(digits) >= 10 {
		return digits
	}
	return ""
}

func isGroupJID(value any) bool {
	s, ok := value.(string)
	return ok && strings.Contains(s, "@g.us")
}

// scanForPhone walks the whole payload. JID-bearing strings win; otherwise
// the first 10-15 digit run found anywhere is used.
func scanForPhone(obj any) string {
	var plain string
	var walk func(any) string
	walk = func(x any) string {
		switch v := x.(type) {
		case map[string]any:
			for _, item := range v {
				if found := walk(item); found != "" {
					return found
				}
			}
		case []any:
			for _, item := range v {
				if found := walk(item); found != "" {
					return found
				}
			}
		case string:
			if strings.Contains(v, "@s.whatsapp.net") || strings.Contains(v, "@c.us") {
				p := onlyDigits(strings.SplitN(v, "@", 2)[0])
				if len(p) >= 10 {
					return p
				}
			}
			if plain == "" {
				if m := phoneRegex.FindStringSubmatch(v); m != nil {
					plain = onlyDigits(m[1])
				}
			}
		}
		return ""
	}
	if found := walk(obj); found != "" {
		return found
	}
	return plain
}

func extractText(payload map[string]any) string {
	for _, path := range textKeysPriority {
		if s, ok := deepGet(payload, path).(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	// Broad sweep over typical text-bearing keys.
	var found string
	var walk func(any)
	walk = func(x any) {
		if found != "" {
			return
		}
		switch v := x.(type) {
		case map[string]any:
			for k, item := range v {
				if s, ok := item.(string); ok {
					if _, want := textScanKeys[strings.ToLower(k)]; want {
						if t := strings.TrimSpace(s); t != "" {
							found = t
							return
						}
					}
				}
				walk(item)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(payload)
	return found
}

func detectMediaType(payload map[string]any) domain.MediaType {
	switch {
	case deepGet(payload, "data.data.messages.0.message.imageMessage") != nil || payload["image"] != nil:
		return domain.MediaImage
	case deepGet(payload, "data.data.messages.0.message.videoMessage") != nil || payload["video"] != nil:
		return domain.MediaVideo
	case deepGet(payload, "data.data.messages.0.message.audioMessage") != nil || payload["audio"] != nil:
		return domain.MediaAudio
	case deepGet(payload, "data.data.messages.0.message.documentMessage") != nil || payload["document"] != nil:
		return domain.MediaPDF
	default:
		return domain.MediaUnknown
	}
}

// scanForMediaURL finds the first http(s) URL under a media-ish key.
func scanForMediaURL(obj any) string {
	var found string
	var walk func(any)
	walk = func(x any) {
		if found != "" {
			return
		}
		switch v := x.(type) {
		case map[string]any:
			for k, item := range v {
				if s, ok := item.(string); ok {
					if _, want := mediaURLScanKeys[strings.ToLower(k)]; want {
						s = strings.TrimSpace(s)
						if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
							found = s
							return
						}
					}
				}
				walk(item)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(obj)
	return found
}

func extractPushName(payload map[string]any) string {
	for _, path := range []string{"data.data.messages.0.pushName", "messages.0.pushName"} {
		if s, ok := deepGet(payload, path).(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}

// deepGet resolves dotted paths through nested maps and slices; numeric path
// segments index into slices.
func deepGet(obj any, path string) any {
	cur := obj
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			cur = v[idx]
		default:
			return nil
		}
	}
	return cur
}

func index(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func onlyDigitsLen(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
