package slack

import "encoding/json"

// Payload is one incoming-webhook message.
type Payload struct {
	Text        string
	Channel     string
	Username    string
	IconEmoji   string
	Attachments []Attachment

	// Extra holds hook-provided top-level keys. They are written last and
	// replace built-in keys of the same name.
	Extra map[string]any
}

type Attachment struct {
	Title     string   `json:"title"`
	TitleLink string   `json:"title_link"`
	Fallback  string   `json:"fallback"`
	Text      string   `json:"text"`
	Color     string   `json:"color"`
	MrkdwnIn  []string `json:"mrkdwn_in"`
	Fields    []Field  `json:"fields"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Fields returns the message as a flat key/value map, the same shape MarshalJSON emits.
func (p Payload) Fields() map[string]any {
	m := make(map[string]any, 5+len(p.Extra))
	m["text"] = p.Text
	if p.Channel != "" {
		m["channel"] = p.Channel
	}
	if p.Username != "" {
		m["username"] = p.Username
	}
	if p.IconEmoji != "" {
		m["icon_emoji"] = p.IconEmoji
	}
	if len(p.Attachments) > 0 {
		m["attachments"] = p.Attachments
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return m
}

// MarshalJSON writes keys in sorted order, so identical payloads produce identical bytes.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Fields())
}
