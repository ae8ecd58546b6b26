// Package natsutil provides typed JSON request/reply and publish helpers over
// NATS with OpenTelemetry trace propagation in message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ErrorHeader carries a handler-side failure back to the requester.
const ErrorHeader = "Pdfstudy-Error"

// DefaultRequestTimeout applies when the request context has no deadline.
const DefaultRequestTimeout = 5 * time.Minute

// headerCarrier adapts nats.Msg headers for the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes it to subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Request sends req as JSON and decodes the reply. The wait is bounded by the
// context deadline, or DefaultRequestTimeout when there is none.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	if resp.Header != nil {
		if e := resp.Header.Get(ErrorHeader); e != "" {
			return zero, fmt.Errorf("natsutil: %s: %w", subject, errors.New(e))
		}
	}
	var out Resp
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply from %s: %w", subject, err)
	}
	return out, nil
}

// Reply registers a queue-group handler that decodes Req, runs handler with
// the propagated trace context and responds with the JSON-encoded Resp.
// Undecodable requests, and replies that cannot be sent, are answered with
// ErrorHeader set. A nil log uses slog.Default.
func Reply[Req, Resp any](nc *nats.Conn, subject, queue string, log *slog.Logger, handler func(context.Context, Req) Resp) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Warn("undecodable request", "subject", subject, "err", err)
			respondError(msg, log, fmt.Errorf("decode request: %w", err))
			return
		}
		resp := handler(ctx, req)
		if msg.Reply == "" {
			return
		}
		out, err := newMsg(ctx, msg.Reply, resp)
		if err != nil {
			respondError(msg, log, err)
			return
		}
		if err := msg.RespondMsg(out); err != nil {
			log.Error("reply failed", "subject", subject, "bytes", len(out.Data), "err", err)
			respondError(msg, log, fmt.Errorf("send reply: %w", err))
		}
	})
}

func respondError(msg *nats.Msg, log *slog.Logger, err error) {
	if msg.Reply == "" {
		return
	}
	out := nats.NewMsg(msg.Reply)
	out.Header.Set(ErrorHeader, err.Error())
	if rerr := msg.RespondMsg(out); rerr != nil {
		log.Error("error reply failed", "subject", msg.Subject, "err", rerr)
	}
}
