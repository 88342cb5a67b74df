// Package store persists the artifacts the verification engine needs
// across restarts: the per-user prototype table, the calibrator,
// the anomaly detector, the operating threshold, and attribution
// artifacts. Encoder weights are persisted separately as a blob file plus
// YAML manifest (internal/model.SaveEncoderBundle); everything else here
// lives in one SQLite database, mirroring the teacher's event-store
// pattern (one file). The tables are created if missing when the store is
// opened; there is no schema version and no migration step.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"neuroauth/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS prototypes (
    user_id     TEXT PRIMARY KEY,
    k           INTEGER NOT NULL,
    d_emb       INTEGER NOT NULL,
    data        BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS calibrator (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    a           REAL NOT NULL,
    b           REAL NOT NULL,
    fitted_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS anomaly_model (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    data            BLOB NOT NULL,
    spoof_threshold REAL NOT NULL,
    fitted_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operating_threshold (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    tau         REAL NOT NULL,
    far         REAL NOT NULL,
    frr         REAL NOT NULL,
    criterion   TEXT NOT NULL,
    chosen_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution_artifacts (
    artifact_id     TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    window_hash     TEXT NOT NULL,
    strategy        TEXT NOT NULL,
    data            BLOB NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_user ON attribution_artifacts(user_id, created_at);
`

// Store is a SQLite-backed handle on the verification engine's persisted
// artifacts. A Store is safe for concurrent use by multiple goroutines;
// database/sql pools connections internally.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path, applying the schema
// and the requested connection/busy-timeout limits (SPEC_FULL.md §6
// Storage config).
func Open(path string, maxConnections, busyTimeoutMs int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store.Open: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMsOrDefault(busyTimeoutMs))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open database: %w", err)
	}
	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func busyTimeoutMsOrDefault(ms int) int {
	if ms <= 0 {
		return 5000
	}
	return ms
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// prototypeRow is the JSON form of a PrototypeSet stored in the
// prototypes.data BLOB column.
type prototypeRow struct {
	Prototypes [][]float64 `json:"prototypes"`
}

// PutPrototypeSet writes (overwrites) a user's prototype set. Enrollment
// is idempotent per user per spec.md §6: re-enrolling replaces the prior
// row wholesale rather than merging.
func (s *Store) PutPrototypeSet(set model.PrototypeSet) error {
	if len(set.Prototypes) == 0 {
		return fmt.Errorf("store.PutPrototypeSet: empty prototype set for user %q", set.UserID)
	}
	dEmb := len(set.Prototypes[0])
	row := prototypeRow{Prototypes: make([][]float64, len(set.Prototypes))}
	for i, p := range set.Prototypes {
		row.Prototypes[i] = []float64(p)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store.PutPrototypeSet: marshal: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO prototypes (user_id, k, d_emb, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET k = excluded.k, d_emb = excluded.d_emb, data = excluded.data, updated_at = excluded.updated_at`,
		set.UserID, len(set.Prototypes), dEmb, data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store.PutPrototypeSet: exec: %w", err)
	}
	return nil
}

// GetPrototypeSet reads one user's prototype set. Returns (zero, false,
// nil) if the user has no enrollment on record — the caller (verification
// engine) turns that into UnknownUser.
func (s *Store) GetPrototypeSet(userID string) (model.PrototypeSet, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM prototypes WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return model.PrototypeSet{}, false, nil
	}
	if err != nil {
		return model.PrototypeSet{}, false, fmt.Errorf("store.GetPrototypeSet: query: %w", err)
	}
	var row prototypeRow
	if err := json.Unmarshal(data, &row); err != nil {
		return model.PrototypeSet{}, false, fmt.Errorf("store.GetPrototypeSet: unmarshal: %w", err)
	}
	set := model.PrototypeSet{UserID: userID, Prototypes: make([]model.Embedding, len(row.Prototypes))}
	for i, p := range row.Prototypes {
		set.Prototypes[i] = model.Embedding(p)
	}
	return set, true, nil
}

// LoadAllPrototypes builds the full user_id -> PrototypeSet table in one
// pass, used at startup to populate the in-memory ModelBundle
// (SPEC_FULL.md §9 "Dynamic collections").
func (s *Store) LoadAllPrototypes() (map[string]model.PrototypeSet, error) {
	rows, err := s.db.Query(`SELECT user_id, data FROM prototypes`)
	if err != nil {
		return nil, fmt.Errorf("store.LoadAllPrototypes: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.PrototypeSet)
	for rows.Next() {
		var userID string
		var data []byte
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, fmt.Errorf("store.LoadAllPrototypes: scan: %w", err)
		}
		var row prototypeRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("store.LoadAllPrototypes: unmarshal user %q: %w", userID, err)
		}
		set := model.PrototypeSet{UserID: userID, Prototypes: make([]model.Embedding, len(row.Prototypes))}
		for i, p := range row.Prototypes {
			set.Prototypes[i] = model.Embedding(p)
		}
		out[userID] = set
	}
	return out, rows.Err()
}

// PutCalibrator replaces the stored calibrator parameters.
func (s *Store) PutCalibrator(c model.Calibrator) error {
	_, err := s.db.Exec(`
		INSERT INTO calibrator (id, a, b, fitted_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET a = excluded.a, b = excluded.b, fitted_at = excluded.fitted_at`,
		c.A, c.B, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store.PutCalibrator: exec: %w", err)
	}
	return nil
}

// GetCalibrator reads the stored calibrator. ok is false if none has been
// fitted yet.
func (s *Store) GetCalibrator() (model.Calibrator, bool, error) {
	var c model.Calibrator
	err := s.db.QueryRow(`SELECT a, b FROM calibrator WHERE id = 1`).Scan(&c.A, &c.B)
	if err == sql.ErrNoRows {
		return model.Calibrator{}, false, nil
	}
	if err != nil {
		return model.Calibrator{}, false, fmt.Errorf("store.GetCalibrator: query: %w", err)
	}
	return c, true, nil
}

type anomalyRow struct {
	EncoderW [][]float64 `json:"encoder_w"`
	EncoderB []float64   `json:"encoder_b"`
	DecoderW [][]float64 `json:"decoder_w"`
	DecoderB []float64   `json:"decoder_b"`
}

// PutAnomalyModel replaces the stored anomaly detector.
func (s *Store) PutAnomalyModel(m model.AnomalyModel) error {
	row := anomalyRow{
		EncoderW: m.EncoderW.Data,
		EncoderB: m.EncoderB,
		DecoderW: m.DecoderW.Data,
		DecoderB: m.DecoderB,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store.PutAnomalyModel: marshal: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO anomaly_model (id, data, spoof_threshold, fitted_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, spoof_threshold = excluded.spoof_threshold, fitted_at = excluded.fitted_at`,
		data, m.SpoofThreshold, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store.PutAnomalyModel: exec: %w", err)
	}
	return nil
}

// GetAnomalyModel reads the stored anomaly detector. ok is false if none
// has been fitted yet.
func (s *Store) GetAnomalyModel() (model.AnomalyModel, bool, error) {
	var data []byte
	var threshold float64
	err := s.db.QueryRow(`SELECT data, spoof_threshold FROM anomaly_model WHERE id = 1`).Scan(&data, &threshold)
	if err == sql.ErrNoRows {
		return model.AnomalyModel{}, false, nil
	}
	if err != nil {
		return model.AnomalyModel{}, false, fmt.Errorf("store.GetAnomalyModel: query: %w", err)
	}
	var row anomalyRow
	if err := json.Unmarshal(data, &row); err != nil {
		return model.AnomalyModel{}, false, fmt.Errorf("store.GetAnomalyModel: unmarshal: %w", err)
	}
	m := model.AnomalyModel{
		EncoderW:       model.Tensor{Data: row.EncoderW},
		EncoderB:       row.EncoderB,
		DecoderW:       model.Tensor{Data: row.DecoderW},
		DecoderB:       row.DecoderB,
		SpoofThreshold: threshold,
	}
	return m, true, nil
}

// PutOperatingThreshold replaces the stored decision threshold.
func (s *Store) PutOperatingThreshold(t model.OperatingThreshold, criterion string) error {
	_, err := s.db.Exec(`
		INSERT INTO operating_threshold (id, tau, far, frr, criterion, chosen_at) VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tau = excluded.tau, far = excluded.far, frr = excluded.frr, criterion = excluded.criterion, chosen_at = excluded.chosen_at`,
		t.Tau, t.FAR, t.FRR, criterion, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store.PutOperatingThreshold: exec: %w", err)
	}
	return nil
}

// GetOperatingThreshold reads the stored decision threshold. ok is false
// if none has been chosen yet.
func (s *Store) GetOperatingThreshold() (model.OperatingThreshold, bool, error) {
	var t model.OperatingThreshold
	err := s.db.QueryRow(`SELECT tau, far, frr FROM operating_threshold WHERE id = 1`).Scan(&t.Tau, &t.FAR, &t.FRR)
	if err == sql.ErrNoRows {
		return model.OperatingThreshold{}, false, nil
	}
	if err != nil {
		return model.OperatingThreshold{}, false, fmt.Errorf("store.GetOperatingThreshold: query: %w", err)
	}
	return t, true, nil
}

// PutAttributionArtifact appends a new attribution artifact. Writes are
// keyed by a content-derived ID (internal/attribution), so retrying a
// write for the same verification is a no-op rather than a duplicate
// (SPEC_FULL.md §5 "Shared resources": append-only, no contention).
func (s *Store) PutAttributionArtifact(a model.AttributionArtifact, strategy string) error {
	data, err := json.Marshal(a.Importance)
	if err != nil {
		return fmt.Errorf("store.PutAttributionArtifact: marshal: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO attribution_artifacts (artifact_id, user_id, window_hash, strategy, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO NOTHING`,
		a.ID, a.UserID, a.WindowHash, strategy, data, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store.PutAttributionArtifact: exec: %w", err)
	}
	return nil
}

// GetAttributionArtifact retrieves a stored artifact by id, implementing
// the `fetch_attribution` API in spec.md §6. ok is false if no artifact
// with that id exists (expired or never written).
func (s *Store) GetAttributionArtifact(id string) (model.AttributionArtifact, bool, error) {
	var a model.AttributionArtifact
	var data []byte
	var createdAtNs int64
	err := s.db.QueryRow(`SELECT artifact_id, user_id, window_hash, data, created_at FROM attribution_artifacts WHERE artifact_id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.WindowHash, &data, &createdAtNs)
	if err == sql.ErrNoRows {
		return model.AttributionArtifact{}, false, nil
	}
	if err != nil {
		return model.AttributionArtifact{}, false, fmt.Errorf("store.GetAttributionArtifact: query: %w", err)
	}
	if err := json.Unmarshal(data, &a.Importance); err != nil {
		return model.AttributionArtifact{}, false, fmt.Errorf("store.GetAttributionArtifact: unmarshal: %w", err)
	}
	a.CreatedAt = time.Unix(0, createdAtNs)
	return a, true, nil
}

// PruneAttributionArtifacts deletes artifacts older than ttl, implementing
// the "retained for an implementation-defined TTL" lifetime in spec.md §3.
// Returns the number of rows removed.
func (s *Store) PruneAttributionArtifacts(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixNano()
	res, err := s.db.Exec(`DELETE FROM attribution_artifacts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store.PruneAttributionArtifacts: exec: %w", err)
	}
	return res.RowsAffected()
}
