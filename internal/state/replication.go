// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Replicator ships the session/binding/ledger/audit state an ACE node
// holds in its SQLiteStore to a standby node, so a captive-portal gateway
// can be deployed as an active/standby pair and fail over without losing
// in-progress sessions. It observes the store the rest of the engine
// already writes to; the Session Lifecycle Manager, Binding Registry, and
// Ledger have no awareness a Replicator exists.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/logging"
)

// ReplicationMode selects whether a node serves state to replicas or
// consumes it from a primary.
type ReplicationMode string

const (
	ModePrimary ReplicationMode = "primary"
	ModeReplica ReplicationMode = "replica"
)

// ReplicationConfig configures one side of a replication link.
type ReplicationConfig struct {
	Mode           ReplicationMode
	ListenAddr     string        // primary: where replicas connect
	PrimaryAddr    string        // replica: where to dial the primary
	ReconnectDelay time.Duration
	SyncTimeout    time.Duration

	SecretKey   string
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	TLSMutual   bool
}

// DefaultReplicationConfig returns the primary-role defaults.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		Mode:           ModePrimary,
		ListenAddr:     ":9999",
		ReconnectDelay: 5 * time.Second,
		SyncTimeout:    30 * time.Second,
	}
}

func (c ReplicationConfig) securityConfig() SecurityConfig {
	return SecurityConfig{
		SecretKey:   c.SecretKey,
		TLSCertFile: c.TLSCertFile,
		TLSKeyFile:  c.TLSKeyFile,
		TLSCAFile:   c.TLSCAFile,
		TLSMutual:   c.TLSMutual,
	}
}

// Replicator is the engine-state replication link for one node.
type Replicator struct {
	store  *SQLiteStore
	config ReplicationConfig
	logger *logging.Logger

	mu       sync.RWMutex
	replicas map[string]*replicaConn
	primary  *primaryConn

	ctx    context.Context
	cancel context.CancelFunc

	forceSnapshot bool // set when a replica must fall back to a full resync
}

type replicaConn struct {
	conn    net.Conn
	encoder *json.Encoder
}

type primaryConn struct {
	conn    net.Conn
	decoder *json.Decoder
}

// NewReplicator prepares a Replicator over store; call Start to begin
// serving or consuming the link depending on config.Mode.
func NewReplicator(store *SQLiteStore, config ReplicationConfig, logger *logging.Logger) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		store:    store,
		config:   config,
		logger:   logger,
		replicas: make(map[string]*replicaConn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins replication according to config.Mode. An empty mode is a
// no-op: replication is simply disabled.
func (r *Replicator) Start() error {
	switch r.config.Mode {
	case ModePrimary:
		return r.startPrimary()
	case ModeReplica:
		return r.startReplica()
	case "":
		return nil
	default:
		return fmt.Errorf("replication: unknown mode %q", r.config.Mode)
	}
}

// Stop tears down the link and closes any open connections.
func (r *Replicator) Stop() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for addr, rc := range r.replicas {
		rc.conn.Close()
		delete(r.replicas, addr)
	}
	if r.primary != nil {
		r.primary.conn.Close()
		r.primary = nil
	}
}

// startPrimary opens the replica-accept listener and begins streaming
// store changes to whatever replicas connect.
func (r *Replicator) startPrimary() error {
	listener, err := newSecureListener(r.config.ListenAddr, r.config.securityConfig())
	if err != nil {
		return fmt.Errorf("replication: start listener: %w", err)
	}
	r.logger.Info("replication primary listening", "addr", r.config.ListenAddr)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-r.ctx.Done():
					listener.Close()
					return
				default:
					r.logger.Warn("failed to accept replica connection", "error", err)
					continue
				}
			}
			go r.handleReplica(conn)
		}
	}()

	go r.broadcastSessionState()
	return nil
}

// handleReplica authenticates a replica, answers its initial sync
// request with either a full snapshot or the changes since its last
// known version, then keeps the connection open for ongoing updates.
func (r *Replicator) handleReplica(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	r.logger.Info("replica connected", "addr", addr)

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	if r.config.SecretKey != "" {
		if !r.authenticateReplica(conn, decoder, encoder, addr) {
			conn.Close()
			return
		}
	}

	var req syncRequest
	if err := decoder.Decode(&req); err != nil {
		r.logger.Warn("failed to read sync request", "addr", addr, "error", err)
		conn.Close()
		return
	}

	if req.Version == 0 {
		if err := r.sendSnapshot(encoder, addr); err != nil {
			conn.Close()
			return
		}
	} else if err := r.sendChangesSince(encoder, addr, req.Version); err != nil {
		conn.Close()
		return
	}

	r.mu.Lock()
	r.replicas[addr] = &replicaConn{conn: conn, encoder: encoder}
	r.mu.Unlock()

	go r.watchReplicaDisconnect(conn, addr)
}

func (r *Replicator) authenticateReplica(conn net.Conn, decoder *json.Decoder, encoder *json.Encoder, addr string) bool {
	nonce, err := generateNonce()
	if err != nil {
		r.logger.Warn("failed to generate auth nonce", "addr", addr, "error", err)
		return false
	}
	if err := encoder.Encode(authChallenge{Nonce: nonce}); err != nil {
		r.logger.Warn("failed to send auth challenge", "addr", addr, "error", err)
		return false
	}
	var resp authResponse
	if err := decoder.Decode(&resp); err != nil {
		r.logger.Warn("failed to read auth response", "addr", addr, "error", err)
		return false
	}
	if !verifyMAC(nonce, resp.MAC, []byte(r.config.SecretKey)) {
		r.logger.Warn("replica failed authentication", "addr", addr)
		return false
	}
	r.logger.Info("replica authenticated", "addr", addr)
	return true
}

func (r *Replicator) sendSnapshot(encoder *json.Encoder, addr string) error {
	snapshot, err := r.store.CreateSnapshot()
	if err != nil {
		r.logger.Warn("failed to build snapshot for replica", "addr", addr, "error", err)
		return err
	}
	if err := encoder.Encode(syncResponse{Type: "snapshot", Snapshot: snapshot}); err != nil {
		r.logger.Warn("failed to send snapshot", "addr", addr, "error", err)
		return err
	}
	r.logger.Info("sent full snapshot to replica", "addr", addr, "version", snapshot.Version)
	return nil
}

func (r *Replicator) sendChangesSince(encoder *json.Encoder, addr string, version uint64) error {
	changes, err := r.store.GetChangesSince(version)
	if err != nil {
		r.logger.Warn("failed to read changes for replica", "addr", addr, "error", err)
		return err
	}
	if err := encoder.Encode(syncResponse{Type: "changes", Changes: changes}); err != nil {
		r.logger.Warn("failed to send changes", "addr", addr, "error", err)
		return err
	}
	r.logger.Info("sent incremental changes to replica", "addr", addr, "count", len(changes))
	return nil
}

func (r *Replicator) watchReplicaDisconnect(conn net.Conn, addr string) {
	buf := make([]byte, 1)
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, err := conn.Read(buf); err != nil {
			r.mu.Lock()
			delete(r.replicas, addr)
			r.mu.Unlock()
			conn.Close()
			r.logger.Info("replica disconnected", "addr", addr)
			return
		}
	}
}

// broadcastSessionState forwards every committed store change (session,
// binding, ledger, and audit bucket writes alike) to each connected
// replica as it happens.
func (r *Replicator) broadcastSessionState() {
	changes := r.store.Subscribe(r.ctx)
	for change := range changes {
		r.mu.RLock()
		for addr, rc := range r.replicas {
			msg := replicationMessage{Type: "change", Change: &change}
			if err := rc.encoder.Encode(msg); err != nil {
				r.logger.Warn("failed to forward change to replica", "addr", addr, "error", err)
			}
		}
		r.mu.RUnlock()
	}
}

// startReplica begins the background loop that keeps this node's store
// in sync with the primary.
func (r *Replicator) startReplica() error {
	go r.replicaLoop()
	return nil
}

func (r *Replicator) replicaLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if err := r.connectToPrimary(); err != nil {
			r.logger.Warn("failed to connect to primary", "error", err)
			time.Sleep(r.config.ReconnectDelay)
			continue
		}

		if err := r.receiveSessionUpdates(); err != nil {
			if errors.Is(err, ErrDivergence) {
				r.logger.Error("replication diverged from primary; forcing full resync", "error", err)
				r.mu.Lock()
				r.forceSnapshot = true
				r.mu.Unlock()
			} else {
				r.logger.Warn("lost connection to primary", "error", err)
			}

			r.mu.Lock()
			if r.primary != nil {
				r.primary.conn.Close()
				r.primary = nil
			}
			r.mu.Unlock()
			time.Sleep(r.config.ReconnectDelay)
		}
	}
}

func (r *Replicator) connectToPrimary() error {
	conn, err := dialSecure(r.config.PrimaryAddr, r.config.securityConfig(), r.config.SyncTimeout)
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	if r.config.SecretKey != "" {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var challenge authChallenge
		if err := decoder.Decode(&challenge); err != nil {
			conn.Close()
			return fmt.Errorf("replication: read auth challenge: %w", err)
		}
		mac := computeMAC(challenge.Nonce, []byte(r.config.SecretKey))
		if err := encoder.Encode(authResponse{MAC: mac}); err != nil {
			conn.Close()
			return fmt.Errorf("replication: send auth response: %w", err)
		}
	}

	r.mu.RLock()
	requestVersion := r.store.CurrentVersion()
	if r.forceSnapshot {
		requestVersion = 0
	}
	r.mu.RUnlock()

	if err := encoder.Encode(syncRequest{Version: requestVersion}); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var resp syncResponse
	if err := decoder.Decode(&resp); err != nil {
		conn.Close()
		return err
	}

	switch resp.Type {
	case "snapshot":
		if err := r.store.RestoreSnapshot(resp.Snapshot); err != nil {
			conn.Close()
			return fmt.Errorf("replication: restore snapshot: %w", err)
		}
		r.logger.Info("restored snapshot from primary", "version", resp.Snapshot.Version)
		r.mu.Lock()
		r.forceSnapshot = false
		r.mu.Unlock()
	case "changes":
		for _, change := range resp.Changes {
			if err := r.applyChange(change); err != nil {
				r.logger.Warn("failed to apply change from primary", "error", err)
			}
		}
		r.logger.Info("applied incremental changes from primary", "count", len(resp.Changes))
	}

	r.mu.Lock()
	r.primary = &primaryConn{conn: conn, decoder: decoder}
	r.mu.Unlock()

	r.logger.Info("connected to primary", "addr", r.config.PrimaryAddr)
	return nil
}

func (r *Replicator) receiveSessionUpdates() error {
	r.mu.RLock()
	primary := r.primary
	r.mu.RUnlock()
	if primary == nil {
		return fmt.Errorf("replication: not connected to primary")
	}

	for {
		var msg replicationMessage
		if err := primary.decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return fmt.Errorf("replication: primary closed connection")
			}
			return err
		}
		if msg.Type == "change" && msg.Change != nil {
			if err := r.applyChange(*msg.Change); err != nil {
				if errors.Is(err, ErrDivergence) {
					return err
				}
				r.logger.Warn("failed to apply change from primary", "error", err)
			}
		}
	}
}

func (r *Replicator) applyChange(change Change) error {
	return r.store.ApplyReplicatedChange(change)
}

type syncRequest struct {
	Version uint64 `json:"version"`
}

type syncResponse struct {
	Type     string    `json:"type"` // "snapshot" or "changes"
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Changes  []Change  `json:"changes,omitempty"`
}

type replicationMessage struct {
	Type   string  `json:"type"` // "change"
	Change *Change `json:"change,omitempty"`
}

// ReplicatorStatus is the operator-visible view of a replication link.
type ReplicatorStatus struct {
	Mode         string `json:"mode"`
	Connected    bool   `json:"connected"`
	PeerAddress  string `json:"peer_address"`
	SyncState    string `json:"sync_state"`
	Version      uint64 `json:"version"`
	ReplicaCount int    `json:"replica_count"`
}

// Status reports the current state of the replication link.
func (r *Replicator) Status() ReplicatorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := ReplicatorStatus{
		Mode:        string(r.config.Mode),
		Version:     r.store.CurrentVersion(),
		PeerAddress: r.config.ListenAddr,
	}

	switch r.config.Mode {
	case ModeReplica:
		status.PeerAddress = r.config.PrimaryAddr
		if r.primary != nil {
			status.Connected = true
			status.SyncState = "synced"
		} else {
			status.SyncState = "connecting"
		}
	case ModePrimary:
		status.ReplicaCount = len(r.replicas)
		status.Connected = len(r.replicas) > 0
		status.SyncState = "serving"
	}

	return status
}

// CurrentVersion returns the local store's changelog version.
func (r *Replicator) CurrentVersion() uint64 {
	return r.store.CurrentVersion()
}
