package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// dispatch routes one inbound frame to its handler. A failed invocation is
// surfaced to the calling client as an error frame; it never tears down
// the connection or affects other invocations.
func (g *Gateway) dispatch(ctx context.Context, c *client, frame realtime.ClientFrame) {
	var err error
	switch frame.Action {
	case realtime.ActionSendMessage:
		err = g.handleSendMessage(ctx, c, frame.Data)
	case realtime.ActionJoinConversation:
		err = g.handleJoinConversation(c, frame.Data)
	case realtime.ActionLeaveConversation:
		err = g.handleLeaveConversation(c, frame.Data)
	case realtime.ActionStartTyping:
		err = g.handleTyping(c, frame.Data, true)
	case realtime.ActionStopTyping:
		err = g.handleTyping(c, frame.Data, false)
	case realtime.ActionMarkAsRead:
		err = g.handleMarkAsRead(c, frame.Data)
	default:
		err = fmt.Errorf("unknown action %q", frame.Action)
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("action", frame.Action).Msg("Invocation failed.")
		c.send(realtime.ServerEvent{
			Event: realtime.EventError,
			Data:  realtime.ErrorPayload{Action: frame.Action, Reason: err.Error()},
		})
	}
}

// requireArgs validates that every named argument is non-blank. Violations
// fail the individual invocation only.
func requireArgs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("argument %q must not be blank", pairs[i])
		}
	}
	return nil
}

// handleSendMessage forwards the message to the ingestion path. The sender
// identity comes from the authenticated connection, never from client
// input. The ack is emitted once persistence is acknowledged; the
// broadcast happens asynchronously through the fan-out pipeline.
func (g *Gateway) handleSendMessage(ctx context.Context, c *client, data json.RawMessage) error {
	var args realtime.SendMessageArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return fmt.Errorf("invalid send_message arguments: %w", err)
	}
	if err := requireArgs(
		"conversationId", args.ConversationID,
		"messageId", args.MessageID,
	); err != nil {
		return err
	}
	if len(args.Content) == 0 {
		return fmt.Errorf("argument %q must not be empty", "content")
	}

	msg := &realtime.Message{
		ConversationID: args.ConversationID,
		MessageID:      args.MessageID,
		SenderID:       c.identity.ID,
		SenderName:     c.identity.DisplayName,
		Content:        args.Content,
		CreatedAt:      g.now().UTC(),
	}

	messageID, err := g.ingestor.Ingest(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.send(realtime.ServerEvent{
		Event: realtime.EventAck,
		Data:  realtime.AckPayload{Action: realtime.ActionSendMessage, MessageID: messageID},
	})
	return nil
}

// handleJoinConversation adds the connection to the conversation group and
// announces the join. Joining twice is a no-op beyond ensuring membership.
func (g *Gateway) handleJoinConversation(c *client, data json.RawMessage) error {
	args, err := conversationArgs(data)
	if err != nil {
		return err
	}

	if !g.groups.add(args.ConversationID, c) {
		return nil
	}
	c.markJoined(args.ConversationID)

	g.groups.broadcast(args.ConversationID, realtime.ServerEvent{
		Event: realtime.EventUserJoined,
		Data: realtime.MembershipPayload{
			ConversationID: args.ConversationID,
			UserID:         c.identity.ID,
			UserName:       c.identity.DisplayName,
		},
	}, "")
	return nil
}

// handleLeaveConversation removes the connection from the group and
// announces the departure to the remaining members.
func (g *Gateway) handleLeaveConversation(c *client, data json.RawMessage) error {
	args, err := conversationArgs(data)
	if err != nil {
		return err
	}

	if !g.groups.remove(args.ConversationID, c.id) {
		return nil
	}
	c.markLeft(args.ConversationID)

	g.groups.broadcast(args.ConversationID, realtime.ServerEvent{
		Event: realtime.EventUserLeft,
		Data: realtime.MembershipPayload{
			ConversationID: args.ConversationID,
			UserID:         c.identity.ID,
			UserName:       c.identity.DisplayName,
		},
	}, "")
	return nil
}

// handleTyping broadcasts a typing indicator to the other members of the
// group. The sending connection is excluded: echoing the indicator back is
// wasted bandwidth at best and an echo loop at worst.
func (g *Gateway) handleTyping(c *client, data json.RawMessage, isTyping bool) error {
	args, err := conversationArgs(data)
	if err != nil {
		return err
	}

	g.groups.broadcast(args.ConversationID, realtime.ServerEvent{
		Event: realtime.EventTypingIndicator,
		Data: realtime.TypingPayload{
			ConversationID: args.ConversationID,
			UserID:         c.identity.ID,
			UserName:       c.identity.DisplayName,
			IsTyping:       isTyping,
		},
	}, c.id)
	return nil
}

// handleMarkAsRead broadcasts a read receipt to the whole group, reader
// included; read state is informative to the reader's other devices too.
func (g *Gateway) handleMarkAsRead(c *client, data json.RawMessage) error {
	var args realtime.MarkAsReadArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return fmt.Errorf("invalid mark_as_read arguments: %w", err)
	}
	if err := requireArgs(
		"conversationId", args.ConversationID,
		"messageId", args.MessageID,
	); err != nil {
		return err
	}

	g.groups.broadcast(args.ConversationID, realtime.ServerEvent{
		Event: realtime.EventMessageRead,
		Data: realtime.MessageReadPayload{
			ConversationID: args.ConversationID,
			MessageID:      args.MessageID,
			UserID:         c.identity.ID,
		},
	}, "")
	return nil
}

func conversationArgs(data json.RawMessage) (realtime.ConversationArgs, error) {
	var args realtime.ConversationArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := requireArgs("conversationId", args.ConversationID); err != nil {
		return args, err
	}
	return args, nil
}
