package ws

import "encoding/json"

// Frame types of the sync protocol.
const (
	typeGetElements = "getElements"
	typeAutoupdate  = "autoupdate"
	typeError       = "error"
)

// request is one inbound client frame.
type request struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	ID      string          `json:"id"`
}

type getElementsContent struct {
	ChangeID int64 `json:"change_id"`
}

// autoupdateContent is the payload of both pull replies and live pushes.
type autoupdateContent struct {
	Changed      map[string][]any `json:"changed"`
	Deleted      map[string][]int `json:"deleted"`
	FromChangeID int64            `json:"from_change_id"`
	ToChangeID   int64            `json:"to_change_id"`
	AllData      bool             `json:"all_data"`
}

// response is one outbound server frame. InResponse carries the correlation
// id of the request being answered; unsolicited pushes leave it empty.
type response struct {
	Type       string `json:"type"`
	Content    any    `json:"content"`
	InResponse string `json:"in_response,omitempty"`
}

// parseLiveToggle accepts "on"/"off" and JSON booleans.
func parseLiveToggle(raw json.RawMessage) (on bool, ok bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "on":
			return true, true
		case "off":
			return false, true
		}
	}
	return false, false
}
