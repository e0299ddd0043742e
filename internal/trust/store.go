// Package trust persists the device-trust lifecycle for remote nodes:
// pairing requests, approved node records, and the credentials paired nodes
// later present to re-establish their connection without re-approval.
// Storage: ~/.clawgate/state/nodes.db (SQLite), decoupled from all other state.
package trust

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Pairing request status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// ErrUnknownRequest is returned by Approve/Reject when the requestId does not
// name a pending request — including when a concurrent resolver won the race.
var ErrUnknownRequest = errors.New("unknown requestId")

// Config configures the trust store.
type Config struct {
	Dir string `json:"dir"` // database directory, default ~/.clawgate/state
}

// PairingRequest is one node's petition to be trusted.
type PairingRequest struct {
	RequestID       string   `json:"requestId"`
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps"`
	Commands        []string `json:"commands"`
	RemoteIP        string   `json:"remoteIp,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       int64    `json:"createdAt"`
}

// PairedNode is the persisted trust record minted on approval.
type PairedNode struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps"`
	Commands        []string `json:"commands"`
	Permissions     []string `json:"permissions,omitempty"`
	ApprovedAt      int64    `json:"approvedAt"`
}

// Approval carries the outcome of a successful Approve: the persisted node
// and the one-time plaintext token handed back to the requester.
type Approval struct {
	Node  PairedNode `json:"node"`
	Token string     `json:"token"`
}

// Store is the SQLite-backed trust store. Writes are serialized by mu so two
// concurrent approvals of one request cannot both succeed; the status CAS in
// SQL backs that up across processes.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// DefaultConfig returns the default trust store configuration.
func DefaultConfig() Config {
	return Config{Dir: defaultStateDir()}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".clawgate", "state")
	}
	return filepath.Join(home, ".clawgate", "state")
}

// NewStore opens (creating if needed) the trust database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultStateDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trust dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Dir, "nodes.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trust db: %w", err)
	}
	s := &Store{dbPath: dbPath, db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS pairing_requests (
  request_id TEXT PRIMARY KEY,
  node_id TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  platform TEXT NOT NULL DEFAULT '',
  version TEXT NOT NULL DEFAULT '',
  device_family TEXT NOT NULL DEFAULT '',
  model_identifier TEXT NOT NULL DEFAULT '',
  caps TEXT NOT NULL DEFAULT '[]',
  commands TEXT NOT NULL DEFAULT '[]',
  remote_ip TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_pairing_requests_node_status ON pairing_requests(node_id, status);
CREATE TABLE IF NOT EXISTS paired_nodes (
  node_id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  platform TEXT NOT NULL DEFAULT '',
  version TEXT NOT NULL DEFAULT '',
  device_family TEXT NOT NULL DEFAULT '',
  model_identifier TEXT NOT NULL DEFAULT '',
  caps TEXT NOT NULL DEFAULT '[]',
  commands TEXT NOT NULL DEFAULT '[]',
  permissions TEXT NOT NULL DEFAULT '[]',
  token_hash TEXT NOT NULL,
  approved_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("init trust schema: %w", err)
	}
	return nil
}

// RequestInput is the identity a node announces in node.pair.request.
type RequestInput struct {
	NodeID          string
	DisplayName     string
	Platform        string
	Version         string
	DeviceFamily    string
	ModelIdentifier string
	Caps            []string
	Commands        []string
	RemoteIP        string
}

// Request records a pending pairing request for the node, or returns the
// existing pending one with created=false (idempotent re-announce). Callers
// broadcast node.pair.requested only when created is true.
func (s *Store) Request(in RequestInput) (req *PairingRequest, created bool, err error) {
	nodeID := strings.TrimSpace(in.NodeID)
	if nodeID == "" {
		return nil, false, errors.New("nodeId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT request_id, node_id, display_name, platform, version, device_family, model_identifier,
		        caps, commands, remote_ip, status, created_at
		 FROM pairing_requests WHERE node_id = ? AND status = ? ORDER BY created_at LIMIT 1`,
		nodeID, StatusPending)
	if existing, scanErr := scanRequest(row); scanErr == nil {
		return existing, false, nil
	} else if !errors.Is(scanErr, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup pending request: %w", scanErr)
	}

	req = &PairingRequest{
		RequestID:       uuid.NewString(),
		NodeID:          nodeID,
		DisplayName:     strings.TrimSpace(in.DisplayName),
		Platform:        in.Platform,
		Version:         in.Version,
		DeviceFamily:    in.DeviceFamily,
		ModelIdentifier: in.ModelIdentifier,
		Caps:            normalizeList(in.Caps),
		Commands:        normalizeList(in.Commands),
		RemoteIP:        in.RemoteIP,
		Status:          StatusPending,
		CreatedAt:       time.Now().UnixMilli(),
	}
	_, err = s.db.Exec(
		`INSERT INTO pairing_requests (request_id, node_id, display_name, platform, version,
		   device_family, model_identifier, caps, commands, remote_ip, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.NodeID, req.DisplayName, req.Platform, req.Version,
		req.DeviceFamily, req.ModelIdentifier, marshalList(req.Caps), marshalList(req.Commands),
		req.RemoteIP, req.Status, req.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert pairing request: %w", err)
	}
	return req, true, nil
}

// List returns a snapshot of all paired nodes and pending requests.
func (s *Store) List() (paired []PairedNode, pending []PairingRequest, err error) {
	rows, err := s.db.Query(
		`SELECT node_id, display_name, platform, version, device_family, model_identifier,
		        caps, commands, permissions, approved_at
		 FROM paired_nodes ORDER BY display_name, node_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("list paired nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n PairedNode
		var caps, commands, perms string
		if err := rows.Scan(&n.NodeID, &n.DisplayName, &n.Platform, &n.Version,
			&n.DeviceFamily, &n.ModelIdentifier, &caps, &commands, &perms, &n.ApprovedAt); err != nil {
			return nil, nil, fmt.Errorf("scan paired node: %w", err)
		}
		n.Caps = unmarshalList(caps)
		n.Commands = unmarshalList(commands)
		n.Permissions = unmarshalList(perms)
		paired = append(paired, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	reqRows, err := s.db.Query(
		`SELECT request_id, node_id, display_name, platform, version, device_family, model_identifier,
		        caps, commands, remote_ip, status, created_at
		 FROM pairing_requests WHERE status = ? ORDER BY created_at`, StatusPending)
	if err != nil {
		return nil, nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer reqRows.Close()
	for reqRows.Next() {
		req, err := scanRequestRows(reqRows)
		if err != nil {
			return nil, nil, err
		}
		pending = append(pending, *req)
	}
	return paired, pending, reqRows.Err()
}

// Approve resolves a pending request: compare-and-swap the status, mint a
// fresh credential, and persist the PairedNode. First writer wins; a second
// approval (or a racing reject) observes ErrUnknownRequest. Approving a
// nodeId that is already paired re-issues the credential and overwrites the
// record, which is how a reinstalled device re-pairs.
func (s *Store) Approve(requestID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.resolveLocked(requestID, StatusApproved)
	if err != nil {
		return nil, err
	}

	token, tokenHash, err := mintToken()
	if err != nil {
		return nil, fmt.Errorf("mint node token: %w", err)
	}
	node := PairedNode{
		NodeID:          req.NodeID,
		DisplayName:     req.DisplayName,
		Platform:        req.Platform,
		Version:         req.Version,
		DeviceFamily:    req.DeviceFamily,
		ModelIdentifier: req.ModelIdentifier,
		Caps:            req.Caps,
		Commands:        req.Commands,
		ApprovedAt:      time.Now().UnixMilli(),
	}
	if node.DisplayName == "" {
		node.DisplayName = node.NodeID
	}
	_, err = s.db.Exec(
		`INSERT INTO paired_nodes (node_id, display_name, platform, version, device_family,
		   model_identifier, caps, commands, permissions, token_hash, approved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   display_name=excluded.display_name, platform=excluded.platform, version=excluded.version,
		   device_family=excluded.device_family, model_identifier=excluded.model_identifier,
		   caps=excluded.caps, commands=excluded.commands,
		   token_hash=excluded.token_hash, approved_at=excluded.approved_at`,
		node.NodeID, node.DisplayName, node.Platform, node.Version, node.DeviceFamily,
		node.ModelIdentifier, marshalList(node.Caps), marshalList(node.Commands),
		marshalList(node.Permissions), tokenHash, node.ApprovedAt)
	if err != nil {
		return nil, fmt.Errorf("persist paired node: %w", err)
	}
	return &Approval{Node: node, Token: token}, nil
}

// Reject resolves a pending request as rejected and returns it.
func (s *Store) Reject(requestID string) (*PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(requestID, StatusRejected)
}

// resolveLocked flips a pending request to the given terminal status.
// The WHERE status='pending' guard is the compare-and-swap: once resolved,
// a request can never be resolved again.
func (s *Store) resolveLocked(requestID, status string) (*PairingRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, ErrUnknownRequest
	}
	res, err := s.db.Exec(
		`UPDATE pairing_requests SET status = ?, resolved_at = ? WHERE request_id = ? AND status = ?`,
		status, time.Now().UnixMilli(), requestID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("resolve pairing request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrUnknownRequest
	}
	row := s.db.QueryRow(
		`SELECT request_id, node_id, display_name, platform, version, device_family, model_identifier,
		        caps, commands, remote_ip, status, created_at
		 FROM pairing_requests WHERE request_id = ?`, requestID)
	return scanRequest(row)
}

// VerifyToken checks a node credential with a constant-time comparison
// against the stored hash.
func (s *Store) VerifyToken(nodeID, token string) (bool, error) {
	var storedHash string
	err := s.db.QueryRow(`SELECT token_hash FROM paired_nodes WHERE node_id = ?`,
		strings.TrimSpace(nodeID)).Scan(&storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup node token: %w", err)
	}
	if token == "" {
		return false, nil
	}
	presented := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1, nil
}

// Rename updates only the display name of a paired node. Returns false when
// the nodeId is unknown.
func (s *Store) Rename(nodeID, displayName string) (bool, error) {
	nodeID = strings.TrimSpace(nodeID)
	displayName = strings.TrimSpace(displayName)
	if nodeID == "" || displayName == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE paired_nodes SET display_name = ? WHERE node_id = ?`,
		displayName, nodeID)
	if err != nil {
		return false, fmt.Errorf("rename paired node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetPaired returns the persisted record for one node, if any.
func (s *Store) GetPaired(nodeID string) (*PairedNode, bool, error) {
	row := s.db.QueryRow(
		`SELECT node_id, display_name, platform, version, device_family, model_identifier,
		        caps, commands, permissions, approved_at
		 FROM paired_nodes WHERE node_id = ?`, strings.TrimSpace(nodeID))
	var n PairedNode
	var caps, commands, perms string
	err := row.Scan(&n.NodeID, &n.DisplayName, &n.Platform, &n.Version,
		&n.DeviceFamily, &n.ModelIdentifier, &caps, &commands, &perms, &n.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get paired node: %w", err)
	}
	n.Caps = unmarshalList(caps)
	n.Commands = unmarshalList(commands)
	n.Permissions = unmarshalList(perms)
	return &n, true, nil
}

// PairedCount returns the number of persisted trust records.
func (s *Store) PairedCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM paired_nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count paired nodes: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PairingRequest, error) {
	var req PairingRequest
	var caps, commands string
	err := row.Scan(&req.RequestID, &req.NodeID, &req.DisplayName, &req.Platform, &req.Version,
		&req.DeviceFamily, &req.ModelIdentifier, &caps, &commands, &req.RemoteIP,
		&req.Status, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	req.Caps = unmarshalList(caps)
	req.Commands = unmarshalList(commands)
	return &req, nil
}

func scanRequestRows(rows *sql.Rows) (*PairingRequest, error) {
	req, err := scanRequest(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pairing request: %w", err)
	}
	return req, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func marshalList(in []string) string {
	if len(in) == 0 {
		return "[]"
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// mintToken generates the opaque node credential. Only its SHA-256 hash is
// persisted; the plaintext travels back to the approved node exactly once.
func mintToken() (token, tokenHash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = "cgn_" + base64.RawURLEncoding.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
