package pad

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/inkpad/inkpad/internal/protocol"
)

// Socket is the transport a connection speaks over. *websocket.Conn
// satisfies it; tests substitute an in-memory pipe.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Connect runs the session protocol over a socket until the client
// disconnects, the context is canceled, the session is killed, or an
// error occurs. The email identifies an authenticated user; nil means
// anonymous. Transport-level disconnects return nil.
func (p *Pad) Connect(ctx context.Context, socket Socket, email *string) error {
	id := p.count.Add(1) - 1
	slog.Info("connection", "id", id, "email", emailString(email))

	err := p.handleConnection(ctx, id, socket, email)
	if err != nil {
		slog.Warn("connection terminated early", "id", id, "err", err)
	}
	slog.Info("disconnection", "id", id)
	p.removeUser(id)
	return err
}

func emailString(email *string) string {
	if email == nil {
		return ""
	}
	return *email
}

func (p *Pad) handleConnection(ctx context.Context, id uint64, socket Socket, email *string) error {
	updates, unsubscribe := p.subscribe()
	defer unsubscribe()

	revision, err := p.sendInitial(id, socket, email)
	if err != nil {
		return err
	}

	// The reader goroutine owns ReadMessage; done stops it from blocking
	// forever on the inbound send after this function returns.
	inbound := make(chan []byte)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			messageType, data, err := socket.ReadMessage()
			if err != nil {
				close(inbound)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		// Obtain the notification channel first, then check for new
		// revisions, so a commit between the check and the wait cannot
		// be lost.
		notified := p.notified()
		if p.Killed() {
			return nil
		}
		if p.Revision() > revision {
			revision, err = p.sendHistory(socket, revision)
			if err != nil {
				return err
			}
		}

		select {
		case <-notified:
		case msg, ok := <-updates:
			if !ok {
				if p.Killed() {
					return nil
				}
				return ErrSubscriberLag
			}
			if err := send(socket, msg); err != nil {
				return err
			}
		case data, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := p.handleMessage(id, data, email); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func send(socket Socket, msg protocol.ServerMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return socket.WriteMessage(websocket.TextMessage, data)
}

// sendInitial dumps the session state to a new connection and returns the
// revision it is caught up to.
func (p *Pad) sendInitial(id uint64, socket Socket, email *string) (int, error) {
	msgs, revision := p.initialMessages(id, email)
	for _, msg := range msgs {
		if err := send(socket, msg); err != nil {
			return 0, err
		}
	}
	return revision, nil
}

// sendHistory sends operations committed since start and returns the new
// caught-up revision.
func (p *Pad) sendHistory(socket Socket, start int) (int, error) {
	operations := p.historySince(start)
	if len(operations) == 0 {
		return start, nil
	}
	if err := send(socket, protocol.NewHistoryMsg(start, operations)); err != nil {
		return start, err
	}
	return start + len(operations), nil
}

func (p *Pad) handleMessage(id uint64, data []byte, email *string) error {
	var msg protocol.ClientMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch {
	case msg.Edit != nil:
		if err := p.ApplyEdit(id, msg.Edit.Revision, msg.Edit.Operation, email); err != nil {
			return fmt.Errorf("invalid edit operation: %w", err)
		}
	case msg.SetLanguage != nil:
		p.SetLanguage(*msg.SetLanguage)
	case msg.ClientInfo != nil:
		p.SetUserInfo(id, *msg.ClientInfo)
	case msg.CursorData != nil:
		p.SetCursorData(id, *msg.CursorData)
	case msg.SetColor != nil:
		// Only authenticated users may set persistent colors.
		if email != nil {
			p.SetColor(*email, *msg.SetColor)
		}
	}
	return nil
}
