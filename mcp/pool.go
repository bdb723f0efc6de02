package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/shaharia-lab/toolpipe/observability"
)

// DefaultPoolSize is the number of connections a pool opens when no size is set.
const DefaultPoolSize = 3

// PoolConfig configures a Pool.
type PoolConfig struct {
	Size int
	// NewClient builds the client for member index. When nil, every member is
	// built from Client.
	NewClient func(index int) *StdIOClient
	Client    StdIOClientConfig
	Logger    observability.Logger
}

// PoolMember is one connection of a pool.
type PoolMember struct {
	Index  int
	Client *StdIOClient
}

// Pool holds a fixed number of client connections and hands them out in
// round-robin order. Members are not health-checked: a broken member keeps
// its turn in the rotation.
type Pool struct {
	size      int
	newClient func(index int) *StdIOClient
	logger    observability.Logger

	mu      sync.RWMutex
	members []*PoolMember
	next    atomic.Uint64
}

// NewPool creates an uninitialized pool.
func NewPool(config PoolConfig) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultPoolSize
	}
	if config.Logger == nil {
		config.Logger = observability.NewDefaultLogger()
	}
	if config.NewClient == nil {
		clientConfig := config.Client
		if clientConfig.Logger == nil {
			clientConfig.Logger = config.Logger
		}
		config.NewClient = func(index int) *StdIOClient {
			return NewStdIOClient(clientConfig)
		}
	}

	return &Pool{
		size:      config.Size,
		newClient: config.NewClient,
		logger:    config.Logger,
	}
}

// Size returns the configured number of members.
func (p *Pool) Size() int { return p.size }

// Members returns the connected members, or nil before Initialize.
func (p *Pool) Members() []*PoolMember {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*PoolMember(nil), p.members...)
}

// Initialize connects every member in parallel. If any connection fails,
// the members that did connect are disconnected and the error is returned.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.members != nil {
		return ErrPoolAlreadyInitialized
	}

	members := make([]*PoolMember, p.size)
	for i := range members {
		members[i] = &PoolMember{Index: i, Client: p.newClient(i)}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error {
			if err := m.Client.Connect(gctx); err != nil {
				return fmt.Errorf("pool member %d: %w", m.Index, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.WithErr(err).Error("Pool initialization failed, tearing down members")
		_ = disconnectAll(context.WithoutCancel(ctx), members, p.logger)
		return err
	}

	p.members = members
	p.next.Store(0)
	p.logger.WithFields(map[string]interface{}{
		"size": p.size,
	}).Info("Pool initialized")
	return nil
}

// Execute runs fn with the next member in rotation and returns fn's error.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, member *PoolMember) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "Pool.Execute")
	defer func() { observability.EndSpan(span, err) }()

	p.mu.RLock()
	members := p.members
	p.mu.RUnlock()

	if len(members) == 0 {
		return ErrPoolNotInitialized
	}

	index := int((p.next.Add(1) - 1) % uint64(len(members)))
	member := members[index]
	span.SetAttributes(attribute.Int("member", member.Index))

	return fn(ctx, member)
}

// Shutdown disconnects every member in parallel. Every member is attempted
// even when some fail; the failures are joined into the returned error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	members := p.members
	p.members = nil
	p.mu.Unlock()

	if members == nil {
		return nil
	}

	err := disconnectAll(ctx, members, p.logger)
	p.logger.Info("Pool shut down")
	return err
}

func disconnectAll(ctx context.Context, members []*PoolMember, logger observability.Logger) error {
	errs := make([]error, len(members))

	var g errgroup.Group
	for i, m := range members {
		i, m := i, m
		g.Go(func() error {
			if err := m.Client.Disconnect(ctx); err != nil {
				logger.WithFields(map[string]interface{}{
					"member": m.Index,
				}).WithErr(err).Warn("Failed to disconnect pool member")
				errs[i] = fmt.Errorf("pool member %d: %w", m.Index, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
