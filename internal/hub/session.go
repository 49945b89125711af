package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/correlation"
	"golang.org/x/time/rate"
)

// Client-facing error messages.
const (
	errMsgInvalidFrame   = "invalid message format"
	errMsgUnknownType    = "unknown message type"
	errMsgRateLimited    = "rate limit exceeded"
	errMsgFrameTooLarge  = "message too large"
	errMsgInvalidChannel = "invalid channel name"
	errMsgNotSubscribed  = "not subscribed to channel"
	errMsgInvalidTarget  = "read receipt needs recipient and message id"
	errMsgProcessing     = "failed to process message"
)

// Serve runs one websocket connection for an authenticated identity until the
// peer goes away, then evicts it.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, identity string) {
	socket := NewWebSocket(conn, h.clock)
	id, err := h.Connect(ctx, identity, socket)
	if err != nil {
		slog.Warn("Connection refused", "identity", identity, "error", err)
		socket.Close(err.Error())
		return
	}
	ctx = correlation.WithConnection(ctx, id)

	// Frames above MaxFrameSize get an error reply; only abusive ones above the
	// hard limit cost the connection.
	conn.SetReadLimit(h.opts.MaxFrameSize * hardFrameLimitFactor)
	conn.SetPongHandler(func(string) error {
		h.MarkAlive(id)
		return nil
	})

	reason := h.readLoop(ctx, conn, id, socket)
	h.Evict(context.WithoutCancel(ctx), id, reason)
}

const hardFrameLimitFactor = 16

type frameReader interface {
	NextReader() (int, io.Reader, error)
}

func (h *Hub) readLoop(ctx context.Context, conn frameReader, id string, socket Socket) string {
	limiter := rate.NewLimiter(h.opts.FrameRate, h.opts.FrameBurst)
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Connection read failed", "connection_id", id, "error", err)
				return "read error"
			}
			return "client disconnected"
		}

		data, err := io.ReadAll(io.LimitReader(r, h.opts.MaxFrameSize+1))
		if err != nil {
			slog.Debug("Connection read failed", "connection_id", id, "error", err)
			return "read error"
		}
		if int64(len(data)) > h.opts.MaxFrameSize {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return "read error"
			}
			h.countFrame("oversized")
			h.replyError(socket, "", errMsgFrameTooLarge)
			continue
		}

		if !limiter.Allow() {
			h.countFrame("rate_limited")
			h.replyError(socket, "", errMsgRateLimited)
			continue
		}
		h.HandleFrame(ctx, id, socket, data)
	}
}

// HandleFrame decodes and routes one inbound frame. Replies and errors go back
// to socket only.
func (h *Hub) HandleFrame(ctx context.Context, connectionID string, socket Socket, data []byte) {
	var frame domain.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		h.countFrame("invalid")
		h.replyError(socket, "", errMsgInvalidFrame)
		return
	}

	switch frame.Type {
	case domain.FrameSubscribe:
		h.countFrame(frame.Type)
		h.handleSubscribe(ctx, connectionID, socket, frame)
	case domain.FrameUnsubscribe:
		h.countFrame(frame.Type)
		if err := h.Unsubscribe(ctx, connectionID, frame.Channel); err != nil {
			h.replyFailure(socket, frame.Channel, err)
			return
		}
		h.dispatcher.SendTo(socket, domain.OutboundFrame{
			Type:      domain.FrameUnsubscriptionConfirmed,
			Channel:   frame.Channel,
			Timestamp: h.clock.Now(),
		})
	case domain.FrameProbeResponse:
		h.countFrame(frame.Type)
		h.MarkAlive(connectionID)
	case domain.FrameChat:
		h.countFrame(frame.Type)
		if err := h.SubmitChat(ctx, connectionID, frame.Channel, frame.Data); err != nil {
			h.replyFailure(socket, frame.Channel, err)
		}
	case domain.FrameTyping:
		h.countFrame(frame.Type)
		if err := h.Typing(connectionID, frame.Channel); err != nil {
			h.replyFailure(socket, frame.Channel, err)
		}
	case domain.FrameReadReceipt:
		h.countFrame(frame.Type)
		if err := h.ReadReceipt(ctx, connectionID, frame.To, frame.MessageID); err != nil {
			h.replyFailure(socket, "", err)
		}
	default:
		h.countFrame("unknown")
		h.replyError(socket, "", errMsgUnknownType)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, connectionID string, socket Socket, frame domain.InboundFrame) {
	msgs, err := h.Subscribe(ctx, connectionID, frame.Channel, frame.FetchHistory)
	if err != nil {
		h.replyFailure(socket, frame.Channel, err)
		return
	}

	reply := domain.OutboundFrame{
		Type:      domain.FrameSubscriptionConfirmed,
		Channel:   frame.Channel,
		Timestamp: h.clock.Now(),
	}
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		reply.History = append(reply.History, raw)
	}
	h.dispatcher.SendTo(socket, reply)
}

func (h *Hub) replyFailure(socket Socket, channel string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidChannel):
		h.replyError(socket, channel, errMsgInvalidChannel)
	case errors.Is(err, domain.ErrNotSubscribed):
		h.replyError(socket, channel, errMsgNotSubscribed)
	case errors.Is(err, domain.ErrInvalidTarget):
		h.replyError(socket, channel, errMsgInvalidTarget)
	case errors.Is(err, domain.ErrConnectionNotFound):
		// Evicted mid-frame; nothing left to reply to.
	default:
		slog.Error("Failed to handle frame", "channel", channel, "error", err)
		h.replyError(socket, channel, errMsgProcessing)
	}
}

func (h *Hub) replyError(socket Socket, channel, message string) {
	h.dispatcher.SendTo(socket, domain.OutboundFrame{
		Type:      domain.FrameError,
		Channel:   channel,
		Message:   message,
		Timestamp: h.clock.Now(),
	})
}

func (h *Hub) countFrame(kind string) {
	if h.metrics != nil {
		h.metrics.FramesReceived.WithLabelValues(kind).Inc()
	}
}
