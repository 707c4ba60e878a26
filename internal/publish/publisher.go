package publish

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/banshee-data/vehicle-state/internal/estimation"
)

// Config holds configuration for the gRPC publisher.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients bounds concurrent subscribers. Zero means 8.
	MaxClients int

	// ClientBuffer is the per-subscriber queue length. Zero means 16.
	ClientBuffer int
}

// Publisher fans estimates out to gRPC subscribers. It implements
// pipeline.Publisher; a slow subscriber loses estimates rather than
// delaying the estimation loop.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	clients   map[uint64]chan estimation.Estimate
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 8
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 16
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[uint64]chan estimation.Estimate),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, p)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Printf("[publish] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[publish] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	log.Printf("[publish] gRPC server stopped")
}

// PublishEstimate queues e for every subscriber without blocking.
func (p *Publisher) PublishEstimate(e estimation.Estimate) {
	p.published.Add(1)
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, ch := range p.clients {
		select {
		case ch <- e:
		default:
			p.dropped.Add(1)
		}
	}
}

// StreamEstimates serves one subscriber until it disconnects or the
// publisher stops.
func (p *Publisher) StreamEstimates(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch, err := p.addClient()
	if err != nil {
		return err
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case e := <-ch:
			if err := stream.SendMsg(EstimateToStruct(e)); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient() (uint64, chan estimation.Estimate, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return 0, nil, status.Errorf(codes.ResourceExhausted, "at most %d subscribers", p.config.MaxClients)
	}
	id := p.nextID.Add(1)
	ch := make(chan estimation.Estimate, p.config.ClientBuffer)
	p.clients[id] = ch
	n := p.clientCount.Add(1)
	log.Printf("[publish] subscriber %d connected (total: %d)", id, n)
	return id, ch, nil
}

func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	log.Printf("[publish] subscriber %d disconnected (remaining: %d)", id, n)
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published uint64
	Dropped   uint64
	Clients   int32
	Running   bool
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}
