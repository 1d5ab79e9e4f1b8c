package chat

import (
	"encoding/json"
	"strings"

	"deskchat/tools/errs"
)

// Frame types. Clients send the first group; the server answers with the second.
const (
	FrameConnect     = "CONNECT"
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FrameSend        = "SEND"
	FramePing        = "PING"

	FrameConnected    = "CONNECTED"
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameMessage      = "MESSAGE"
	FrameSent         = "SENT" // 发送回执，只发给发送方
	FramePong         = "PONG"
	FrameError        = "ERROR"
)

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Type    string          `json:"type"`
	RoomID  int64           `json:"roomId,omitempty"`
	Token   string          `json:"token,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Ref     string          `json:"ref,omitempty"` // 客户端自带的 SEND 关联号，回执和错误原样带回
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal frame failed", "err", err.Error())
	}
	f.Type = strings.ToUpper(strings.TrimSpace(f.Type))
	if f.Type == "" {
		return nil, errs.ErrArgs.WrapMsg("frame type is required")
	}
	return f, nil
}

func encode(f *Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

// BuildMessageFrame wraps a message view for room subscribers.
func BuildMessageFrame(roomID int64, payload any) ([]byte, error) {
	return buildFrame(FrameMessage, roomID, "", payload)
}

func buildFrame(typ string, roomID int64, ref string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal frame payload", "type", typ, "roomId", roomID)
	}
	return encode(&Frame{Type: typ, RoomID: roomID, Ref: ref, Payload: raw}), nil
}

func errorFrame(err error, ref ...string) []byte {
	ce, ok := errs.CodeOf(err)
	if !ok {
		ce = errs.ErrInternalServer
	}
	msg := ce.Msg
	if ce.Detail != "" && ce.Code != errs.ServerInternalError {
		msg += ": " + ce.Detail
	}
	f := &Frame{Type: FrameError, Code: ce.Code, Message: msg}
	if len(ref) > 0 {
		f.Ref = ref[0]
	}
	return encode(f)
}
