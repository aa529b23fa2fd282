package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashureev/puppet-relay/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar RPCs. Requests and responses are google.protobuf.Struct values so the
// sidecar can be written in any language without shared generated code.
const (
	methodConnect   = "/puppet.v1.Automation/Connect"
	methodSend      = "/puppet.v1.Automation/Send"
	methodActivate  = "/puppet.v1.Automation/Activate"
	methodJoin      = "/puppet.v1.Automation/Join"
	methodSubscribe = "/puppet.v1.Automation/Subscribe"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedMessage         = errors.New("malformed inbound message")
)

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// GrpcClient talks to the automation sidecar that holds the puppet session.
type GrpcClient struct {
	conn    *grpc.ClientConn
	cfg     GrpcClientConfig
	logger  *slog.Logger
	inbound chan Message

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	Peer             string // counterpart whose messages are subscribed to
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ReconnectDelay   time.Duration
	InboundBuffer    int
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50061",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		ReconnectDelay:   2 * time.Second,
		InboundBuffer:    256,
	}
}

// NewGrpcClient builds a client for the sidecar at cfg.Address. No network I/O
// happens until Connect.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create automation client for %s: %w", cfg.Address, err)
	}

	return &GrpcClient{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan Message, cfg.InboundBuffer),
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Connect waits for the sidecar, logs the puppet in and starts the inbound stream.
func (c *GrpcClient) Connect(ctx context.Context) (Identity, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, c.conn); err != nil {
		return Identity{}, fmt.Errorf("automation sidecar at %s not ready: %w", c.cfg.Address, err)
	}

	resp, err := c.call(ctx, methodConnect, map[string]any{})
	if err != nil {
		return Identity{}, fmt.Errorf("connect puppet: %w", err)
	}
	id := Identity{
		ID:       int64(number(resp, "id")),
		Username: str(resp, "username"),
	}

	c.mu.Lock()
	if c.cancel == nil {
		streamCtx, streamCancel := context.WithCancel(context.Background())
		c.cancel = streamCancel
		c.wg.Add(1)
		go c.subscribeLoop(streamCtx)
	}
	c.mu.Unlock()

	c.logger.Info("Puppet connected", "address", c.cfg.Address, "id", id.ID, "username", id.Username)
	return id, nil
}

// Send posts text to target.
func (c *GrpcClient) Send(ctx context.Context, target, text string) (int64, error) {
	resp, err := c.call(ctx, methodSend, map[string]any{
		"target": target,
		"text":   text,
	})
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	id := int64(number(resp, "message_id"))
	if id == 0 {
		return 0, fmt.Errorf("send message: sidecar returned no message id")
	}
	return id, nil
}

// Activate clicks a callback button. Link buttons are refused locally.
func (c *GrpcClient) Activate(ctx context.Context, msg MessageRef, button domain.ButtonDescriptor) (bool, error) {
	if !button.Clickable() {
		c.logger.Warn("Link button cannot be clicked", "label", button.Label, "link", button.Link)
		return false, nil
	}
	resp, err := c.call(ctx, methodActivate, map[string]any{
		"peer":       msg.Peer,
		"message_id": float64(msg.ID),
		"data":       base64.StdEncoding.EncodeToString(button.Payload),
	})
	if err != nil {
		return false, fmt.Errorf("activate button %q: %w", button.Label, err)
	}
	return boolean(resp, "ok"), nil
}

// Join subscribes the puppet to channel.
func (c *GrpcClient) Join(ctx context.Context, channel string) (bool, error) {
	resp, err := c.call(ctx, methodJoin, map[string]any{"channel": channel})
	if err != nil {
		return false, fmt.Errorf("join %s: %w", channel, err)
	}
	return boolean(resp, "ok"), nil
}

// Inbound returns the stream of counterpart messages.
func (c *GrpcClient) Inbound() <-chan Message {
	return c.inbound
}

// Close stops the inbound stream and closes the connection.
func (c *GrpcClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close automation connection", "error", err)
		return err
	}
	return nil
}

func (c *GrpcClient) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// subscribeLoop keeps a Subscribe stream open, reconnecting after failures.
func (c *GrpcClient) subscribeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.inbound)

	for {
		err := c.subscribeOnce(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Inbound stream stopped", "reason", ctx.Err())
			return
		}
		c.logger.Warn("Inbound stream interrupted, reconnecting", "error", err, "delay", c.cfg.ReconnectDelay)
		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *GrpcClient) subscribeOnce(ctx context.Context) error {
	req, err := structpb.NewStruct(map[string]any{"peer": c.cfg.Peer})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, subscribeDesc, methodSubscribe)
	if err != nil {
		return fmt.Errorf("open subscribe stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close subscribe send: %w", err)
	}

	for {
		raw := &structpb.Struct{}
		err := stream.RecvMsg(raw)
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("subscribe stream error: %w", err)
		}

		msg, err := decodeMessage(raw.AsMap())
		if err != nil {
			c.logger.Warn("Dropping malformed inbound message", "error", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeMessage(m map[string]any) (Message, error) {
	id := int64(number(m, "id"))
	if id <= 0 {
		return Message{}, fmt.Errorf("%w: missing id", errMalformedMessage)
	}
	msg := Message{
		ID:      id,
		ReplyTo: int64(number(m, "reply_to")),
		Text:    str(m, "text"),
	}
	if ts := number(m, "date"); ts > 0 && ts < math.MaxInt64 {
		msg.Date = time.Unix(int64(ts), 0)
	}

	if rows, ok := m["buttons"].([]any); ok {
		for _, r := range rows {
			cells, ok := r.([]any)
			if !ok {
				return Message{}, fmt.Errorf("%w: button row is not a list", errMalformedMessage)
			}
			var row []Button
			for _, cell := range cells {
				b, ok := cell.(map[string]any)
				if !ok {
					return Message{}, fmt.Errorf("%w: button is not an object", errMalformedMessage)
				}
				btn := Button{
					Text:     str(b, "text"),
					URL:      str(b, "url"),
					SamePeer: boolean(b, "same_peer"),
				}
				if data := str(b, "data"); data != "" {
					decoded, err := base64.StdEncoding.DecodeString(data)
					if err != nil {
						return Message{}, fmt.Errorf("%w: button data: %v", errMalformedMessage, err)
					}
					btn.Data = decoded
				}
				row = append(row, btn)
			}
			msg.Buttons = append(msg.Buttons, row)
		}
	}

	if a, ok := m["attachment"].(map[string]any); ok {
		msg.Attachment = &Attachment{
			Kind:     str(a, "kind"),
			FileID:   str(a, "file_id"),
			FileName: str(a, "file_name"),
			Size:     int64(number(a, "size")),
			MimeType: str(a, "mime_type"),
		}
	}
	return msg, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func number(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
