package conat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/sagemathinc/project-host/internal/core"
)

// Request envelope: method name plus positional JSON arguments.
type callEnvelope struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

type callResponse struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *callError      `json:"error,omitempty"`
}

type callError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request is one dispatched service call. Subject is the concrete
// subject the call arrived on, so wildcard services can recover path
// parameters. Caller is the identity that owns the reply inbox; the
// server binds inbox prefixes at sign-in, so it is authenticated, not
// self-reported. Fire-and-forget calls carry no reply and leave Caller
// zero.
type Request struct {
	Method  string
	Subject string
	Caller  core.Identity
	args    []json.RawMessage
}

// Bind decodes positional arguments into the given targets. Missing
// trailing arguments leave their targets at zero value, so optional
// parameters are plain Go defaults.
func (r *Request) Bind(targets ...any) error {
	for i, target := range targets {
		if i >= len(r.args) {
			return nil
		}
		if err := json.Unmarshal(r.args[i], target); err != nil {
			return &core.ErrInvalidInput{
				Field:   fmt.Sprintf("%s arg %d", r.Method, i),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// HandlerFunc serves one method. The returned value is marshalled into
// the response envelope.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// StreamHandlerFunc serves one streamed method. Each send becomes an
// ordered frame on the caller's reply subject; returning nil ends the
// stream cleanly, returning an error delivers it as the terminator.
type StreamHandlerFunc func(ctx context.Context, req *Request, send func([]byte) error) error

// Service is a named-method RPC endpoint bound to one subject. Method
// names are validated against the registered set; unknown names are
// rejected, never dispatched dynamically.
type Service struct {
	Subject string
	methods map[string]HandlerFunc
	streams map[string]StreamHandlerFunc
}

// NewService returns an empty service for the subject.
func NewService(subject string) *Service {
	return &Service{
		Subject: subject,
		methods: make(map[string]HandlerFunc),
		streams: make(map[string]StreamHandlerFunc),
	}
}

// Handle registers a request/reply method.
func (s *Service) Handle(name string, fn HandlerFunc) *Service {
	s.methods[name] = fn
	return s
}

// HandleStream registers a streamed method.
func (s *Service) HandleStream(name string, fn StreamHandlerFunc) *Service {
	s.streams[name] = fn
	return s
}

// Serve subscribes to the service subject and dispatches calls in the
// background until ctx ends. The subscription is registered before
// Serve returns. Each call runs in its own goroutine.
func (c *Client) Serve(ctx context.Context, svc *Service) error {
	sub, err := c.Subscribe(svc.Subject)
	if err != nil {
		return fmt.Errorf("serve %s: %w", svc.Subject, err)
	}

	log := slog.Default().With("component", "conat-service", "subject", svc.Subject)
	go func() {
		defer sub.Unsubscribe()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			go c.dispatch(ctx, svc, msg, log)
		}
	}()
	return nil
}

func (c *Client) dispatch(ctx context.Context, svc *Service, msg *Msg, log *slog.Logger) {
	var env callEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.replyError(msg, &core.ErrInvalidInput{Field: "request", Message: err.Error()})
		return
	}
	req := &Request{Method: env.Name, Subject: msg.Subject, args: env.Args}
	if caller, ok := CallerFromInbox(msg.Reply); ok {
		req.Caller = caller
	}

	if fn, ok := svc.streams[env.Name]; ok {
		c.dispatchStream(ctx, req, msg, fn, log)
		return
	}
	fn, ok := svc.methods[env.Name]
	if !ok {
		c.reply(msg, callResponse{Error: &callError{
			Code:    core.CodePolicy,
			Message: fmt.Sprintf("unknown method %q on %s", env.Name, svc.Subject),
		}})
		return
	}

	value, err := fn(ctx, req)
	if err != nil {
		log.Warn("method failed", "method", env.Name, "error", err)
		c.replyError(msg, err)
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.replyError(msg, fmt.Errorf("marshal %s response: %w", env.Name, err))
		return
	}
	c.reply(msg, callResponse{Value: raw})
}

func (c *Client) dispatchStream(ctx context.Context, req *Request, msg *Msg, fn StreamHandlerFunc, log *slog.Logger) {
	if msg.Reply == "" {
		log.Warn("streamed method without reply subject", "method", req.Method)
		return
	}
	seq := 0
	send := func(payload []byte) error {
		if len(payload) == 0 {
			return fmt.Errorf("stream %s: empty payload is reserved for the terminator", req.Method)
		}
		seq++
		return c.publish(msg.Reply, "", payload, map[string]string{headerSeq: strconv.Itoa(seq)})
	}

	err := fn(ctx, req, send)
	seq++
	terminator := map[string]string{headerSeq: strconv.Itoa(seq)}
	if err != nil {
		log.Warn("streamed method failed", "method", req.Method, "error", err)
		terminator[headerCode] = core.ErrorCode(err)
		terminator[headerMessage] = err.Error()
	}
	if perr := c.publish(msg.Reply, "", nil, terminator); perr != nil {
		log.Warn("stream terminator undeliverable", "method", req.Method, "error", perr)
	}
}

func (c *Client) reply(msg *Msg, resp callResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.publish(msg.Reply, "", data, nil)
}

func (c *Client) replyError(msg *Msg, err error) {
	c.reply(msg, callResponse{Error: &callError{Code: core.ErrorCode(err), Message: err.Error()}})
}

// Call invokes method on a remote service and decodes the value into
// out (out may be nil). Remote failures come back as ServiceError with
// the remote code.
func (c *Client) Call(ctx context.Context, subject, method string, out any, args ...any) error {
	data, err := marshalCall(method, args)
	if err != nil {
		return err
	}

	msg, err := c.Request(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("call %s#%s: %w", subject, method, err)
	}

	var resp callResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("call %s#%s: malformed response: %w", subject, method, err)
	}
	if resp.Error != nil {
		return &core.ServiceError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out != nil && len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return fmt.Errorf("call %s#%s: decode value: %w", subject, method, err)
		}
	}
	return nil
}

// CallStream invokes a streamed method and returns the response
// stream.
func (c *Client) CallStream(ctx context.Context, subject, method string, args ...any) (*Stream, error) {
	data, err := marshalCall(method, args)
	if err != nil {
		return nil, err
	}
	return c.RequestStream(ctx, subject, data)
}

func marshalCall(method string, args []any) ([]byte, error) {
	env := callEnvelope{Name: method, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s arg %d: %w", method, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return json.Marshal(env)
}
