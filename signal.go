package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errSignalClosed = errors.New("signaling connection closed")

// signalMessage is the JSON envelope spoken by the channel gateway and the
// WebRTC signaling server: commands, their responses, and pushed events.
type signalMessage struct {
	Type    string          `json:"type"`
	TransID int64           `json:"transId,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type signalErrorData struct {
	Message string `json:"message"`
}

// signalConn multiplexes request/response commands over one websocket and
// hands pushed events to onEvent.
type signalConn struct {
	conn    *websocket.Conn
	logger  *logrus.Entry
	onEvent func(name string, data json.RawMessage)

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan signalMessage

	rtt       atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func dialSignal(ctx context.Context, url string, insecureTLS bool, logger *logrus.Entry, onEvent func(string, json.RawMessage)) (*signalConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecureTLS},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c := &signalConn{
		conn:    conn,
		logger:  logger,
		onEvent: onEvent,
		pending: make(map[int64]chan signalMessage),
		done:    make(chan struct{}),
	}
	conn.SetPongHandler(c.handlePong)
	go c.readLoop()
	go c.pingLoop(2 * time.Second)
	return c, nil
}

// call sends a command and waits for its response. out may be nil.
func (c *signalConn) call(ctx context.Context, name string, data any, out any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan signalMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := signalMessage{Type: "cmd", TransID: id, Name: name, Data: payload}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(&msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == "error" {
			reason := resp.Error
			if reason == "" {
				var e signalErrorData
				if json.Unmarshal(resp.Data, &e) == nil {
					reason = e.Message
				}
			}
			return fmt.Errorf("%s rejected: %s", name, reason)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", name, err)
			}
		}
		return nil
	case <-c.done:
		return errSignalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *signalConn) readLoop() {
	defer c.Close()
	for {
		var msg signalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.WithError(err).Debug("Signaling read ended")
			}
			return
		}
		switch msg.Type {
		case "response", "error":
			c.mu.Lock()
			ch, ok := c.pending[msg.TransID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			if c.onEvent != nil {
				c.onEvent(msg.Name, msg.Data)
			}
		default:
			c.logger.WithField("type", msg.Type).Debug("Unknown signaling message")
		}
	}
}

func (c *signalConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			stamp := []byte(strconv.FormatInt(now.UnixNano(), 10))
			if err := c.conn.WriteControl(websocket.PingMessage, stamp, now.Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *signalConn) handlePong(appData string) error {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return nil
	}
	c.rtt.Store(time.Now().UnixNano() - sent)
	return nil
}

func (c *signalConn) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

func (c *signalConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
