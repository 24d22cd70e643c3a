package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"tbwatch/internal/runlog"
)

// wsFrame is the websocket rendition of the stream's two frame kinds: the
// same names as SSE, with the event payload nested under data.
type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// runWebsocket consumes a ws:// or wss:// stream endpoint until the
// context is canceled or the transport fails.
func (m *Manager) runWebsocket(ctx context.Context, gen int, streamURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	dialOpts := websocket.DialOptions{}
	if m.token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + m.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, streamURL, &dialOpts)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(m.maxFrameBytes)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	m.setState(gen, StateOpen, nil)

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if mt != websocket.MessageText {
			continue
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Logf(runlog.KindWarn, "discarding malformed frame: %v payload=%s", err, runlog.Preview(string(data), 160))
			continue
		}
		m.handleFrame(f.Type, f.Data)
	}
}
