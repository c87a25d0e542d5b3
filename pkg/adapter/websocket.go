// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// streamForever keeps a bridge subscription open until it is reset
const streamForever = 100 * 365 * 24 * time.Hour

// WebSocket is a Driver for a remote bus served by a Bridge. Frames the
// bridge node transmitted come back flagged as echo, so the driver
// provides hardware echo.
type WebSocket struct {
	url           string
	username      string
	password      string
	skipSSLVerify bool

	conn    *websocket.Conn
	frames  chan Frame
	lost    chan struct{} // closed when the read side fails
	lostErr error
	done    chan struct{}
	info    atomic.Pointer[BridgeInfo]

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocket creates a driver for the bridge at wsURL. Credentials are
// sent with HTTP Basic auth when both are set.
func NewWebSocket(wsURL, username, password string, skipSSLVerify bool) *WebSocket {
	return &WebSocket{
		url:           wsURL,
		username:      username,
		password:      password,
		skipSSLVerify: skipSSLVerify,
		frames:        make(chan Frame, 256),
		lost:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Name returns the bridge URL
func (w *WebSocket) Name() string {
	return "ws:" + w.url
}

// HardwareEcho reports that the bridge echoes transmitted frames
func (w *WebSocket) HardwareEcho() bool {
	return true
}

// Open connects to the bridge
func (w *WebSocket) Open() error {
	u, err := url.Parse(w.url)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return errors.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: w.skipSSLVerify,
		}
	}

	headers := http.Header{}
	if w.username != "" && w.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.username + ":" + w.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, w.url, headers)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "WebSocket connection failed (HTTP %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "WebSocket connection failed")
	}
	w.conn = conn

	go w.receive()
	return nil
}

func (w *WebSocket) receive() {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.lostErr = err
			close(w.lost)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msgType, payload, err := ParseMessage(data)
		if err != nil {
			continue
		}
		switch msgType {
		case MsgInfo:
			info := DecodeInfoMessage(payload)
			w.info.Store(&info)
		case MsgFrame:
			f, err := DecodeFrameMessage(payload)
			if err != nil {
				continue
			}
			select {
			case w.frames <- f:
			case <-w.done:
				return
			}
		}
	}
}

// ReadFrame returns the next frame from the bridge. Frames received before
// the connection dropped are still delivered.
func (w *WebSocket) ReadFrame(timeout time.Duration) (Frame, error) {
	select {
	case f := <-w.frames:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-w.frames:
		return f, nil
	case <-w.done:
		return Frame{}, ErrClosed
	case <-w.lost:
		return Frame{}, errors.Wrap(ErrClosed, w.lostErr.Error())
	case <-timer.C:
		return Frame{}, ErrNoFrame
	}
}

// WriteFrame sends one frame to the bridge
func (w *WebSocket) WriteFrame(f Frame) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	data, err := EncodeFrameMessage(f)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Bitrate returns the bitrate announced by the bridge
func (w *WebSocket) Bitrate() (int, error) {
	if info := w.info.Load(); info != nil && info.Bitrate > 0 {
		return info.Bitrate, nil
	}
	return 0, errors.New("bridge has not announced its bitrate")
}

// Close closes the connection
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn == nil {
			return
		}
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// ============================================================
// Bridge
// ============================================================

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger
func WithBridgeLogger(log logrus.FieldLogger) BridgeOption {
	return func(b *Bridge) {
		b.log = log
	}
}

// WithBasicAuth requires HTTP Basic credentials from clients
func WithBasicAuth(username, password string) BridgeOption {
	return func(b *Bridge) {
		b.username = username
		b.password = password
	}
}

// Bridge serves a local bus to WebSocket clients. Every packet on the bus
// is forwarded to every client; frames from clients are sent on the bus.
type Bridge struct {
	bus      j1939.Bus
	name     string
	log      logrus.FieldLogger
	username string
	password string
	upgrader websocket.Upgrader
	clients  atomic.Int32
}

// NewBridge creates a bridge for bus. name is announced to clients.
func NewBridge(bus j1939.Bus, name string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		bus:  bus,
		name: name,
		log:  j1939.DiscardLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Clients returns the number of connected clients
func (b *Bridge) Clients() int {
	return int(b.clients.Load())
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.password)) == 1
	return userOK && passOK
}

// ServeHTTP upgrades the request and bridges until either side closes
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="j1939stat"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()

	log := b.log.WithField("client", r.RemoteAddr)
	b.clients.Add(1)
	defer b.clients.Add(-1)
	log.Info("client connected")

	stream, err := b.bus.Read(streamForever)
	if err != nil {
		log.WithError(err).Warn("bus unavailable")
		return
	}

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	speed, _ := b.bus.ConnectionSpeed()
	info, err := EncodeInfoMessage(BridgeInfo{Bitrate: speed, Address: b.bus.Address(), Name: b.name})
	if err == nil {
		if err := write(info); err != nil {
			log.WithError(err).Debug("failed to send info")
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for p := range stream.All() {
			f, err := EncodePacket(p)
			if err != nil {
				log.WithField("frame", p.String()).Debug("skipping multi-packet message")
				continue
			}
			data, err := EncodeFrameMessage(f)
			if err != nil {
				continue
			}
			if err := write(data); err != nil {
				log.WithError(err).Debug("client write failed")
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		msgType, payload, err := ParseMessage(data)
		if err != nil || msgType != MsgFrame {
			log.WithError(err).Debug("ignoring client message")
			continue
		}
		f, err := DecodeFrameMessage(payload)
		if err != nil {
			log.WithError(err).Debug("ignoring invalid frame")
			continue
		}
		f.Echo = false
		if err := b.bus.Send(DecodeFrame(f)); err != nil {
			log.WithError(err).Warn("failed to send client frame")
		}
	}

	// Ends the forwarding loop
	stream.ResetTimeout(0)
	wg.Wait()
	log.Info("client disconnected")
}
