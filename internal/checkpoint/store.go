package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyberred/cyberred/internal/models"
)

// FileName is the checkpoint file name under each engagement directory.
const FileName = "checkpoint.sqlite"

// signaturePlaceholder is what the signature cell holds while the file hash
// is computed. Same length as the final hex digest so patching it in does
// not move any byte.
var signaturePlaceholder = strings.Repeat("0", 64)

// IntegrityError reports a checkpoint whose bytes do not match its stored
// signature. Loading such a file is refused.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint integrity failure for %s: stored %s, computed %s", e.Path, short(e.Expected), short(e.Actual))
}

// ScopeChangedError reports that the scope file hashes differently than it
// did when the checkpoint was taken. Resuming under a silently changed scope
// is refused unless the caller opts out.
type ScopeChangedError struct {
	Path        string
	StoredHash  string
	CurrentHash string
}

func (e *ScopeChangedError) Error() string {
	return fmt.Sprintf("scope file changed since checkpoint %s: stored %s, current %s", e.Path, short(e.StoredHash), short(e.CurrentHash))
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// AgentSnapshot is one agent's persisted state.
type AgentSnapshot struct {
	AgentID         string
	AgentType       string
	State           map[string]interface{}
	LastActionID    string
	DecisionContext []string
	UpdatedAt       time.Time
}

// Snapshot is everything a checkpoint captures about an engagement.
type Snapshot struct {
	EngagementID string
	Name         string
	ScopeHash    string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Agents       []AgentSnapshot
	Findings     []*models.Finding
}

// Store writes and reads checkpoints under <base>/engagements/<id>/.
// Saves are serialized per engagement.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore roots a store at a storage base path.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) engagementLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Path returns the checkpoint path for an engagement.
func (s *Store) Path(engagementID string) string {
	return filepath.Join(s.basePath, "engagements", engagementID, FileName)
}

// HashScopeFile returns the hex SHA-256 of a scope file.
func HashScopeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read scope file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes a signed checkpoint and returns its path. If scopePath is
// non-empty the current scope file hash is stored for change detection.
// On any error the temp file is removed and the previous checkpoint (if
// any) is untouched.
func (s *Store) Save(ctx context.Context, snap *Snapshot, scopePath string) (path string, err error) {
	lock := s.engagementLock(snap.EngagementID)
	lock.Lock()
	defer lock.Unlock()

	if scopePath != "" {
		hash, herr := HashScopeFile(scopePath)
		if herr != nil {
			return "", herr
		}
		snap.ScopeHash = hash
	}

	dir := filepath.Join(s.basePath, "engagements", snap.EngagementID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	finalPath := filepath.Join(dir, FileName)
	tmpPath := finalPath + ".tmp"

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Remove(tmpPath)

	if err = s.writeDatabase(ctx, tmpPath, snap); err != nil {
		return "", err
	}
	if err = signFile(tmpPath); err != nil {
		return "", err
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize checkpoint: %w", err)
	}
	return finalPath, nil
}

func (s *Store) writeDatabase(ctx context.Context, path string, snap *Snapshot) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open checkpoint db: %w", err)
	}
	defer db.Close()

	if err := initSchema(ctx, db); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	meta := map[string]string{
		"schema_version": SchemaVersion,
		"engagement_id":  snap.EngagementID,
		"scope_hash":     snap.ScopeHash,
		"created_at":     time.Now().UTC().Format(time.RFC3339Nano),
		"signature":      signaturePlaceholder,
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO engagements (id, name, scope_hash, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.EngagementID, snap.Name, snap.ScopeHash, snap.State,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("write engagement: %w", err)
	}

	for _, agent := range snap.Agents {
		stateJSON, err := EncodeStateJSON(agent.State)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agent.AgentID, err)
		}
		dc, err := json.Marshal(agent.DecisionContext)
		if err != nil {
			return fmt.Errorf("agent %s decision context: %w", agent.AgentID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (agent_id, engagement_id, agent_type, state_json, last_action_id, decision_context, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent.AgentID, snap.EngagementID, agent.AgentType, stateJSON,
			nullable(agent.LastActionID), string(dc),
			agent.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("write agent %s: %w", agent.AgentID, err)
		}
	}

	for _, finding := range snap.Findings {
		findingJSON, err := finding.ToJSON()
		if err != nil {
			return fmt.Errorf("finding %s: %w", finding.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (finding_id, engagement_id, agent_id, finding_json, timestamp) VALUES (?, ?, ?, ?, ?)`,
			finding.ID, snap.EngagementID, nullable(finding.AgentID), findingJSON, finding.Timestamp,
		); err != nil {
			return fmt.Errorf("write finding %s: %w", finding.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (engagement_id, checkpoint_path, signature, created_at) VALUES (?, ?, ?, ?)`,
		snap.EngagementID, s.Path(snap.EngagementID), signaturePlaceholder,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("write checkpoint row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// signFile hashes the finalized file (which still carries the zeroed
// signature placeholder) and patches the digest in place, byte for byte.
func signFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint for signing: %w", err)
	}
	placeholder := []byte(signaturePlaceholder)
	count := bytes.Count(data, placeholder)
	if count == 0 {
		return fmt.Errorf("signature placeholder not found in %s", path)
	}

	sum := sha256.Sum256(data)
	signature := []byte(hex.EncodeToString(sum[:]))

	patched := bytes.ReplaceAll(data, placeholder, signature)
	if err := os.WriteFile(path, patched, 0o600); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	return nil
}

// computeSignature re-derives the file digest by zeroing the stored
// signature bytes and hashing.
func computeSignature(data []byte, stored string) string {
	zeroed := bytes.ReplaceAll(data, []byte(stored), []byte(signaturePlaceholder))
	sum := sha256.Sum256(zeroed)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the checkpoint's bytes match its signature.
func (s *Store) Verify(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	stored, err := readStoredSignature(path)
	if err != nil {
		return false, err
	}
	return computeSignature(data, stored) == stored, nil
}

func readStoredSignature(path string) (string, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("open checkpoint: %w", err)
	}
	defer db.Close()
	var sig string
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'signature'`).Scan(&sig); err != nil {
		return "", fmt.Errorf("read signature: %w", err)
	}
	return sig, nil
}

// Load opens a checkpoint read-only, enforcing integrity and (unless
// disabled) scope-change detection against the given scope file.
func (s *Store) Load(ctx context.Context, path, scopePath string, verifyScope bool) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	stored, err := readStoredSignature(path)
	if err != nil {
		return nil, err
	}
	if computed := computeSignature(data, stored); computed != stored {
		return nil, &IntegrityError{Path: path, Expected: stored, Actual: computed}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer db.Close()

	snap := &Snapshot{}
	var createdAt, updatedAt string
	if err := db.QueryRowContext(ctx,
		`SELECT id, name, scope_hash, state, created_at, updated_at FROM engagements LIMIT 1`,
	).Scan(&snap.EngagementID, &snap.Name, &snap.ScopeHash, &snap.State, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("read engagement row: %w", err)
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if verifyScope && scopePath != "" {
		current, err := HashScopeFile(scopePath)
		if err != nil {
			return nil, err
		}
		if current != snap.ScopeHash {
			return nil, &ScopeChangedError{Path: path, StoredHash: snap.ScopeHash, CurrentHash: current}
		}
	}

	agentRows, err := db.QueryContext(ctx,
		`SELECT agent_id, agent_type, state_json, COALESCE(last_action_id, ''), COALESCE(decision_context, ''), updated_at FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("read agents: %w", err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var a AgentSnapshot
		var stateJSON, dc, updated string
		if err := agentRows.Scan(&a.AgentID, &a.AgentType, &stateJSON, &a.LastActionID, &dc, &updated); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &a.State); err != nil {
			return nil, fmt.Errorf("agent %s state: %w", a.AgentID, err)
		}
		a.DecisionContext = decodeDecisionContext(dc)
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		snap.Agents = append(snap.Agents, a)
	}
	if err := agentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}

	findingRows, err := db.QueryContext(ctx, `SELECT finding_json FROM findings`)
	if err != nil {
		return nil, fmt.Errorf("read findings: %w", err)
	}
	defer findingRows.Close()
	for findingRows.Next() {
		var raw string
		if err := findingRows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		finding, err := models.FindingFromJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		snap.Findings = append(snap.Findings, finding)
	}
	if err := findingRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}

	return snap, nil
}

// Delete removes an engagement's checkpoint directory, idempotently.
func (s *Store) Delete(engagementID string) error {
	dir := filepath.Join(s.basePath, "engagements", engagementID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the engagement IDs with a checkpoint on disk.
// Stray non-directory entries are ignored.
func (s *Store) ListCheckpoints() []string {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "engagements"))
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.basePath, "engagements", e.Name(), FileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids
}
