// Package security is the handshake boundary: a handshaker turns a raw
// connection into an authenticated one before any stream uses it.
package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	InsecureName = "insecure"
	TLSName      = "tls"
)

// AuthInfo describes the peer a handshake authenticated.
type AuthInfo struct {
	// Type is the name of the handshaker that produced it.
	Type     string
	PeerAddr net.Addr
	Level    credentials.SecurityLevel
	// TLS is set by the tls handshaker.
	TLS *tls.ConnectionState
}

type Handshaker interface {
	Name() string
	// Handshake returns the connection to use from now on. On failure the
	// caller closes conn.
	Handshake(ctx context.Context, conn net.Conn) (net.Conn, AuthInfo, error)
}

// handshake runs creds on conn as a client, or as a server.
func handshake(ctx context.Context, creds credentials.TransportCredentials, conn net.Conn, server bool) (net.Conn, credentials.AuthInfo, error) {
	if !server {
		return creds.ClientHandshake(ctx, conn.RemoteAddr().String(), conn)
	}
	// ServerHandshake не принимает ctx
	if d, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(d); err != nil {
			return nil, nil, err
		}
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
	return creds.ServerHandshake(conn)
}

type Insecure struct{}

func (Insecure) Name() string { return InsecureName }

func (Insecure) Handshake(ctx context.Context, conn net.Conn) (net.Conn, AuthInfo, error) {
	conn, info, err := handshake(ctx, insecure.NewCredentials(), conn, false)
	if err != nil {
		return nil, AuthInfo{}, err
	}
	return conn, AuthInfo{Type: InsecureName, PeerAddr: conn.RemoteAddr(), Level: level(info)}, nil
}

// TLS runs a TLS handshake as a client, or as a server when Server is set.
// The client takes the server name from Config, else from the peer address.
type TLS struct {
	Config *tls.Config
	Server bool
}

func (h TLS) Name() string { return TLSName }

func (h TLS) Handshake(ctx context.Context, conn net.Conn) (net.Conn, AuthInfo, error) {
	cfg := h.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	// NewTLS clones cfg and adds h2 to NextProtos
	tc, info, err := handshake(ctx, credentials.NewTLS(cfg), conn, h.Server)
	if err != nil {
		return nil, AuthInfo{}, fmt.Errorf("tls handshake: %w", err)
	}
	ai := AuthInfo{Type: TLSName, PeerAddr: conn.RemoteAddr(), Level: level(info)}
	if ti, ok := info.(credentials.TLSInfo); ok {
		state := ti.State
		ai.TLS = &state
	}
	if ai.TLS == nil || ai.TLS.NegotiatedProtocol != "h2" {
		tc.Close()
		return nil, AuthInfo{}, fmt.Errorf("tls handshake: peer did not negotiate h2")
	}
	return tc, ai, nil
}

func level(info credentials.AuthInfo) credentials.SecurityLevel {
	if ci, ok := info.(interface {
		GetCommonAuthInfo() credentials.CommonAuthInfo
	}); ok {
		return ci.GetCommonAuthInfo().SecurityLevel
	}
	return credentials.InvalidSecurityLevel
}

type Registry struct {
	mu sync.RWMutex
	m  map[string]Handshaker
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Handshaker)}
}

// Register adds h. Registering a name twice is a defect.
func (r *Registry) Register(h Handshaker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.m[h.Name()]; ok {
		panic("security: handshaker " + h.Name() + " registered twice")
	}
	r.m[h.Name()] = h
}

func (r *Registry) Lookup(name string) (Handshaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.m[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every handshaker.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = make(map[string]Handshaker)
}

// Default is the process registry. lifecycle.Init fills it with the
// built-in handshakers.
var Default = NewRegistry()

func RegisterBuiltins(r *Registry) {
	r.Register(Insecure{})
	r.Register(TLS{})
}
