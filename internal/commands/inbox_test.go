package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxUnreadAndMarkRead(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)

	_, err := c.AskHuman(res, "need input")
	require.NoError(t, err)

	unread, err := InboxUnread(res.BubbleDir)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "HUMAN_QUESTION", string(unread[0].Type))

	require.NoError(t, MarkInboxRead(res.BubbleDir, unread))

	unread, err = InboxUnread(res.BubbleDir)
	require.NoError(t, err)
	assert.Empty(t, unread)

	_, err = c.HumanReply(res, "here you go")
	require.NoError(t, err)

	unread, err = InboxUnread(res.BubbleDir)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "HUMAN_REPLY", string(unread[0].Type))
}
