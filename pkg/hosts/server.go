package hosts

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/colony/pkg/log"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr serves workers on the control-plane's private network
	DefaultListenAddr = "127.0.0.1:5353"

	defaultTTL = 60
)

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // Address to listen on (default: 127.0.0.1:5353)
	Upstream   []string // Forward unknown names here; empty answers NXDOMAIN
}

// Server answers A queries for worker host names from a Table
type Server struct {
	table      *Table
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string
	addr       net.Addr
	mu         sync.RWMutex
	running    bool
}

// NewServer creates a new DNS server over table
func NewServer(table *Table, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	return &Server{
		table:      table,
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start binds the UDP socket and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("DNS server already running")
	}

	pc, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	started := make(chan struct{})
	errCh := make(chan error, 1)
	s.dnsServer = &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	go func() {
		if err := s.dnsServer.ActivateAndServe(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "hosts-dns").
				Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case <-started:
	case err := <-errCh:
		pc.Close()
		return err
	case <-ctx.Done():
		_ = s.dnsServer.Shutdown()
		return ctx.Err()
	}

	s.addr = pc.LocalAddr()
	s.running = true

	log.Logger.Info().
		Str("component", "hosts-dns").
		Str("address", s.addr.String()).
		Msg("DNS server started")
	return nil
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.dnsServer.Shutdown(); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "hosts-dns").
			Msg("error stopping DNS server")
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		ip, ok := s.table.Lookup(q.Name)
		if !ok || ip.To4() == nil {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: defaultTTL},
			A:   ip.To4(),
		})
	}

	if len(msg.Answer) == 0 {
		if len(s.upstream) > 0 {
			s.forwardQuery(w, r)
			return
		}
		msg.Rcode = dns.RcodeNameError
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "hosts-dns").
			Msg("failed to write DNS response")
	}
}

// forwardQuery forwards a DNS query to upstream DNS servers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "hosts-dns").
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "hosts-dns").
				Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "hosts-dns").
			Msg("failed to write DNS error response")
	}
}
