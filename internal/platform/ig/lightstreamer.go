package ig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

const (
	// lsProtocol is the TLCP version negotiated as the websocket subprotocol.
	lsProtocol = "TLCP-2.2.0.lightstreamer.com"

	// lsClientID identifies the client library to the server.
	lsClientID = "mgQkwtwdysogQz2BJ4Ji kOj2Bg"

	lsAdapterSet = "DEFAULT"

	// lsWriteWait is the time allowed to write a request to the server.
	lsWriteWait = 10 * time.Second

	// lsKeepalive is the probe interval requested from the server.
	lsKeepalive = 5 * time.Second

	// lsReadWait must exceed lsKeepalive so probes keep the read alive.
	lsReadWait = 6 * lsKeepalive

	lsHandshakeTimeout = 15 * time.Second
)

// ItemUpdate is the merged field state of one item after an update.
type ItemUpdate struct {
	Item   string
	Fields map[string]string
}

type lsSubscription struct {
	items    []string
	fields   []string
	state    [][]string
	onUpdate func(ItemUpdate)
	onEnd    func()
}

// LSClient is a minimal Lightstreamer TLCP client over WebSocket. It supports
// MERGE subscriptions, which is all IG's price feed uses. The client does not
// reconnect: when the session ends every open subscription is ended and the
// owner decides whether to start a new one.
type LSClient struct {
	endpoint string
	user     string
	password string
	logger   *slog.Logger
	readWait time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	subs      map[int]*lsSubscription
	reqID     int
	subID     int
	sessionID string
	closed    bool

	done chan struct{}
}

// NewLSClient creates a client for the Lightstreamer server at endpoint
// (http(s) or ws(s) URL).
func NewLSClient(endpoint, user, password string, logger *slog.Logger) *LSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LSClient{
		endpoint: endpoint,
		user:     user,
		password: password,
		logger:   logger,
		readWait: lsReadWait,
		subs:     make(map[int]*lsSubscription),
		done:     make(chan struct{}),
	}
}

// Connect opens the websocket and creates a streaming session.
func (l *LSClient) Connect(ctx context.Context) error {
	wsURL, err := lsURL(l.endpoint)
	if err != nil {
		return fmt.Errorf("ig/ls: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: lsHandshakeTimeout,
		Subprotocols:     []string{lsProtocol},
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return &domain.TransportError{Broker: brokerName, Op: "lightstreamer connect", Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return fmt.Errorf("ig/ls: %w", domain.ErrStreamClosed)
	}
	l.conn = conn
	l.mu.Unlock()

	if err := l.handshake(ctx); err != nil {
		conn.Close()
		return err
	}

	go l.readLoop()
	return nil
}

// Subscribe adds a MERGE subscription. onUpdate receives the merged state
// after every update; onEnd runs once if the server or the connection ends
// the subscription.
func (l *LSClient) Subscribe(items, fields []string, onUpdate func(ItemUpdate), onEnd func()) (int, error) {
	if len(items) == 0 || len(fields) == 0 {
		return 0, fmt.Errorf("ig/ls: subscribe: items and fields must not be empty")
	}

	l.mu.Lock()
	if l.closed || l.conn == nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("ig/ls: subscribe: %w", domain.ErrStreamClosed)
	}
	l.subID++
	l.reqID++
	subID, reqID := l.subID, l.reqID
	sub := &lsSubscription{
		items:    items,
		fields:   fields,
		state:    make([][]string, len(items)),
		onUpdate: onUpdate,
		onEnd:    onEnd,
	}
	for i := range sub.state {
		sub.state[i] = make([]string, len(fields))
	}
	l.subs[subID] = sub
	l.mu.Unlock()

	err := l.send("control", [][2]string{
		{"LS_reqId", strconv.Itoa(reqID)},
		{"LS_op", "add"},
		{"LS_subId", strconv.Itoa(subID)},
		{"LS_mode", "MERGE"},
		{"LS_group", strings.Join(items, " ")},
		{"LS_schema", strings.Join(fields, " ")},
		{"LS_snapshot", "true"},
	})
	if err != nil {
		l.mu.Lock()
		delete(l.subs, subID)
		l.mu.Unlock()
		return 0, fmt.Errorf("ig/ls: subscribe: %w", err)
	}
	return subID, nil
}

// Unsubscribe removes a subscription. Its onEnd callback is not called.
func (l *LSClient) Unsubscribe(subID int) error {
	l.mu.Lock()
	if _, ok := l.subs[subID]; !ok {
		l.mu.Unlock()
		return nil
	}
	delete(l.subs, subID)
	closed := l.closed
	l.reqID++
	reqID := l.reqID
	l.mu.Unlock()

	if closed {
		return nil
	}
	return l.send("control", [][2]string{
		{"LS_reqId", strconv.Itoa(reqID)},
		{"LS_op", "delete"},
		{"LS_subId", strconv.Itoa(subID)},
	})
}

// SessionID returns the id assigned by CONOK.
func (l *LSClient) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Done is closed when the session has ended.
func (l *LSClient) Done() <-chan struct{} { return l.done }

// Close ends the session and the connection.
func (l *LSClient) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		l.finish()
		return nil
	}
	l.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(lsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	return conn.Close()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (l *LSClient) handshake(ctx context.Context) error {
	if err := l.writeRaw("wsok"); err != nil {
		return &domain.TransportError{Broker: brokerName, Op: "lightstreamer wsok", Err: err}
	}
	err := l.send("create_session", [][2]string{
		{"LS_cid", lsClientID},
		{"LS_adapter_set", lsAdapterSet},
		{"LS_user", l.user},
		{"LS_password", l.password},
		{"LS_keepalive_millis", strconv.FormatInt(lsKeepalive.Milliseconds(), 10)},
		{"LS_send_sync", "false"},
	})
	if err != nil {
		return &domain.TransportError{Broker: brokerName, Op: "lightstreamer create_session", Err: err}
	}

	deadline := time.Now().Add(l.readWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetReadDeadline(deadline)

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			return &domain.TransportError{Broker: brokerName, Op: "lightstreamer handshake", Err: err}
		}
		for _, line := range splitLines(string(msg)) {
			fields := strings.SplitN(line, ",", 4)
			switch fields[0] {
			case "CONOK":
				if len(fields) > 1 {
					l.mu.Lock()
					l.sessionID = fields[1]
					l.mu.Unlock()
				}
				return nil
			case "CONERR":
				return conErr(fields)
			}
		}
	}
}

// readLoop dispatches server notifications until the session ends. The
// connection is closed on the way out whatever ended the loop.
func (l *LSClient) readLoop() {
	defer func() {
		_ = l.conn.Close()
		l.finish()
	}()

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.readWait))
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Warn("lightstreamer connection lost", slog.String("error", err.Error()))
			}
			return
		}
		for _, line := range splitLines(string(msg)) {
			if err := l.handleLine(line); err != nil {
				l.logger.Warn("lightstreamer session ended", slog.String("reason", err.Error()))
				return
			}
		}
	}
}

var errRebind = errors.New("server requested rebind")

// handleLine processes one TLCP notification. A non-nil error ends the
// session.
func (l *LSClient) handleLine(line string) error {
	fields := strings.SplitN(line, ",", 4)
	switch fields[0] {
	case "U":
		if len(fields) < 4 {
			l.logger.Debug("lightstreamer short update", slog.String("line", line))
			return nil
		}
		l.handleUpdate(fields[1], fields[2], fields[3])
	case "UNSUB":
		if len(fields) > 1 {
			if id, err := strconv.Atoi(fields[1]); err == nil {
				l.endSub(id)
			}
		}
	case "REQERR", "ERROR":
		l.logger.Warn("lightstreamer request failed", slog.String("line", line))
	case "END", "CONERR":
		return conErr(fields)
	case "LOOP":
		return errRebind
	}
	return nil
}

func (l *LSClient) handleUpdate(subField, itemField, values string) {
	subID, err := strconv.Atoi(subField)
	if err != nil {
		return
	}
	item, err := strconv.Atoi(itemField)
	if err != nil {
		return
	}

	l.mu.Lock()
	sub, ok := l.subs[subID]
	if !ok || item < 1 || item > len(sub.items) {
		l.mu.Unlock()
		return
	}
	next, err := decodeUpdate(sub.state[item-1], values)
	if err != nil {
		l.mu.Unlock()
		l.logger.Debug("lightstreamer undecodable update", slog.String("error", err.Error()))
		return
	}
	sub.state[item-1] = next
	update := ItemUpdate{Item: sub.items[item-1], Fields: make(map[string]string, len(sub.fields))}
	for i, name := range sub.fields {
		update.Fields[name] = next[i]
	}
	onUpdate := sub.onUpdate
	l.mu.Unlock()

	if onUpdate != nil {
		onUpdate(update)
	}
}

func (l *LSClient) endSub(subID int) {
	l.mu.Lock()
	sub, ok := l.subs[subID]
	delete(l.subs, subID)
	l.mu.Unlock()
	if ok && sub.onEnd != nil {
		sub.onEnd()
	}
}

// finish ends every remaining subscription and marks the client done.
func (l *LSClient) finish() {
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return
	default:
	}
	close(l.done)
	l.closed = true
	subs := l.subs
	l.subs = make(map[int]*lsSubscription)
	l.mu.Unlock()

	for _, sub := range subs {
		if sub.onEnd != nil {
			sub.onEnd()
		}
	}
}

func (l *LSClient) send(verb string, params [][2]string) error {
	return l.writeRaw(verb + "\r\n" + encodeParams(params))
}

func (l *LSClient) writeRaw(msg string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(lsWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// decodeUpdate applies a TLCP field list to the previous state of an item:
// an empty value leaves the field unchanged, "#" is null, "$" is the empty
// string and "^N" skips N unchanged fields.
func decodeUpdate(prev []string, raw string) ([]string, error) {
	next := make([]string, len(prev))
	copy(next, prev)

	i := 0
	for _, v := range strings.Split(raw, "|") {
		switch {
		case v == "":
			i++
		case v == "#" || v == "$":
			if i >= len(next) {
				return nil, fmt.Errorf("update has more than %d fields", len(next))
			}
			next[i] = ""
			i++
		case strings.HasPrefix(v, "^"):
			n, err := strconv.Atoi(v[1:])
			if err != nil {
				return nil, fmt.Errorf("unsupported field marker %q", v)
			}
			i += n
		default:
			if i >= len(next) {
				return nil, fmt.Errorf("update has more than %d fields", len(next))
			}
			s, err := url.PathUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i+1, err)
			}
			next[i] = s
			i++
		}
	}
	if i > len(next) {
		return nil, fmt.Errorf("update has more than %d fields", len(next))
	}
	return next, nil
}

func conErr(fields []string) error {
	code, msg := "", ""
	if len(fields) > 1 {
		code = fields[1]
	}
	if len(fields) > 2 {
		msg, _ = url.PathUnescape(strings.Join(fields[2:], ","))
	}
	// Codes 1 and 2 reject the user or the adapter set.
	if code == "1" || code == "2" {
		return &domain.AuthError{Broker: brokerName, Message: "lightstreamer: " + msg}
	}
	return fmt.Errorf("ig/ls: %s %s: %s", fields[0], code, msg)
}

func encodeParams(params [][2]string) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+strings.ReplaceAll(url.QueryEscape(p[1]), "+", "%20"))
	}
	return strings.Join(parts, "&")
}

func splitLines(msg string) []string {
	lines := strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func lsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/lightstreamer"
	return u.String(), nil
}
