package wa

import (
	"testing"

	"leadflow/internal/lifecycle"
	"leadflow/internal/logging"
	"leadflow/internal/phone"
	"leadflow/internal/repo"

	"github.com/stretchr/testify/assert"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func message(sender types.JID, msg *waProto.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: sender, Chat: sender},
		},
		Message: msg,
	}
}

func TestInboundConvertsDirectText(t *testing.T) {
	c := &Client{phones: phone.NewNormalizer("NL"), logger: logging.Discard()}
	sender := types.NewJID("31612345678", types.DefaultUserServer)

	in, ok := c.inbound(message(sender, &waProto.Message{Conversation: proto.String(" 2 ")}))
	assert.True(t, ok)
	assert.Equal(t, lifecycle.Inbound{Contact: "+31612345678", Text: "2", Channel: repo.ChannelWhatsApp}, in)

	in, ok = c.inbound(message(sender, &waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("Tuesday at 2pm")}}))
	assert.True(t, ok)
	assert.Equal(t, "Tuesday at 2pm", in.Text)
}

func TestInboundIgnoresOwnGroupAndEmpty(t *testing.T) {
	c := &Client{phones: phone.NewNormalizer("NL"), logger: logging.Discard()}
	sender := types.NewJID("31612345678", types.DefaultUserServer)
	text := &waProto.Message{Conversation: proto.String("hi")}

	own := message(sender, text)
	own.Info.IsFromMe = true
	group := message(sender, text)
	group.Info.IsGroup = true
	status := message(sender, text)
	status.Info.Chat = types.NewJID("status", types.BroadcastServer)

	for _, evt := range []*events.Message{own, group, status, message(sender, &waProto.Message{}), nil} {
		_, ok := c.inbound(evt)
		assert.False(t, ok)
	}
}
