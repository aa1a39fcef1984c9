// Package services calls the network services the app depends on, so
// scenarios can check them alongside the UI.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/errs"
)

// Client holds one lazily dialled connection per configured endpoint. It
// implements executor.ServiceCaller.
type Client struct {
	cfg      config.ServicesConfig
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New returns a client. Extra dial options are appended after the transport
// credentials chosen from cfg.Insecure.
func New(cfg config.ServicesConfig, logger *zap.Logger, opts ...grpc.DialOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	creds := grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	if cfg.Insecure {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	return &Client{
		cfg:      cfg,
		dialOpts: append([]grpc.DialOption{creds}, opts...),
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(name string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[name]; ok {
		return cc, nil
	}
	target, ok := c.cfg.Endpoints[name]
	if !ok || target == "" {
		return nil, errs.New(errs.ServiceUnavailable, "no endpoint configured for service %q", name)
	}
	cc, err := grpc.NewClient(target, c.dialOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.ServiceUnavailable, err, "connect to %s (%s)", name, target)
	}
	c.conns[name] = cc
	return cc, nil
}

// Call invokes method on service with params (the request in proto JSON
// field names) and returns the response's item list in order.
func (c *Client) Call(ctx context.Context, service, method string, params map[string]any) ([]any, error) {
	svc, ok := Known[service]
	if !ok {
		return nil, errs.New(errs.InvalidScenario, "unknown service %q (known: %s)", service, knownNames())
	}
	md := svc.Method(method)
	if md == nil {
		return nil, errs.New(errs.InvalidScenario, "service %q has no method %q", service, method)
	}

	req := dynamicpb.NewMessage(md.Input())
	if len(params) > 0 {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "encode %s/%s request", service, method)
		}
		if err := protojson.Unmarshal(body, req); err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "%s/%s request does not match %s", service, method, md.Input().FullName())
		}
	}

	cc, err := c.conn(service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp := dynamicpb.NewMessage(md.Output())
	start := time.Now()
	if err := cc.Invoke(ctx, FullMethod(md), req, resp); err != nil {
		if status.Code(err) == codes.Canceled {
			return nil, errs.Wrap(errs.Canceled, err, "%s/%s", service, method)
		}
		return nil, errs.Wrap(errs.ServiceUnavailable, err, "%s/%s", service, method)
	}
	c.logger.Debug("service call",
		zap.String("service", service),
		zap.String("method", method),
		zap.Duration("elapsed", time.Since(start)))

	out, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode %s/%s response", service, method)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decode %s/%s response", service, method)
	}
	items, _ := decoded[svc.ListField].([]any)
	return items, nil
}

func knownNames() string {
	names := make([]string, 0, len(Known))
	for n := range Known {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

// Close tears down every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for name, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
		delete(c.conns, name)
	}
	return first
}
