// Package evidence implements the append-only evidence vault. Every
// payload is hashed on write and re-hashed on read; a record whose bytes
// no longer match its recorded digest is reported as an integrity
// violation, never silently returned. Records are never updated or
// deleted.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/attestra/ccm/internal/models"
)

const metadataKey = "metadata.json"

type Vault struct {
	store  ObjectStore
	logger *slog.Logger

	mu    sync.Mutex
	index map[string]*models.EvidenceRecord
	order []string
	seq   int
}

// Item is one piece of evidence to archive.
type Item struct {
	Source   string
	Type     models.EvidenceType
	Payload  []byte
	Controls []string
}

type Filter struct {
	ControlID *string
	Source    *string
	Type      *models.EvidenceType
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Summary aggregates the vault for the compliance dashboard.
type Summary struct {
	Total    int                         `json:"total_evidence"`
	ByType   map[models.EvidenceType]int `json:"by_type"`
	BySource map[string]int              `json:"by_source"`
}

// NewVault opens a vault over the given backend, loading the metadata
// index left by a previous run.
func NewVault(ctx context.Context, store ObjectStore, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		store:  store,
		logger: logger,
		index:  make(map[string]*models.EvidenceRecord),
	}

	data, err := store.Get(ctx, metadataKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return v, nil
		}
		return nil, fmt.Errorf("loading vault metadata: %w", err)
	}

	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing vault metadata: %w", err)
	}
	v.seq = meta.Seq
	for _, rec := range meta.Records {
		v.index[rec.ID] = rec
		v.order = append(v.order, rec.ID)
	}

	logger.Info("evidence vault opened", "records", len(v.order))
	return v, nil
}

type metadataFile struct {
	Seq     int                      `json:"seq"`
	Records []*models.EvidenceRecord `json:"records"`
}

// Put archives a payload and returns its record. The record id embeds the
// payload digest, the collection time and a per-process sequence number,
// so concurrent writers never collide.
func (v *Vault) Put(ctx context.Context, item Item) (*models.EvidenceRecord, error) {
	if item.Source == "" {
		return nil, errors.New("evidence source is required")
	}
	if !item.Type.Valid() {
		return nil, fmt.Errorf("invalid evidence type %q", item.Type)
	}

	sum := sha256.Sum256(item.Payload)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	id := fmt.Sprintf("ev-%s-%s-%06d", digest[:12], now.Format("20060102150405"), v.seq)
	location := fmt.Sprintf("%04d/%02d/%02d/%s/%s.%s",
		now.Year(), now.Month(), now.Day(), item.Type, id, extensionFor(item.Payload))

	if err := v.store.Put(ctx, location, item.Payload); err != nil {
		v.seq--
		return nil, fmt.Errorf("writing evidence payload: %w", err)
	}

	rec := &models.EvidenceRecord{
		ID:          id,
		Source:      item.Source,
		Type:        item.Type,
		CollectedAt: now,
		Hash:        digest,
		Location:    location,
		Controls:    append([]string(nil), item.Controls...),
	}
	v.index[id] = rec
	v.order = append(v.order, id)

	if err := v.persistLocked(ctx); err != nil {
		return nil, fmt.Errorf("persisting vault metadata: %w", err)
	}

	v.logger.Info("evidence archived",
		"evidence_id", id,
		"source", item.Source,
		"type", item.Type,
		"bytes", len(item.Payload))

	cp := *rec
	return &cp, nil
}

// Get returns a record and its payload after verifying the payload still
// hashes to the recorded digest. A missing or altered payload is an
// integrity violation, which callers must treat differently from an
// unknown id.
func (v *Vault) Get(ctx context.Context, id string) (*models.EvidenceRecord, []byte, error) {
	v.mu.Lock()
	rec, ok := v.index[id]
	if !ok {
		v.mu.Unlock()
		return nil, nil, models.ErrNotFound
	}
	cp := *rec
	v.mu.Unlock()

	data, err := v.store.Get(ctx, cp.Location)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, &models.IntegrityViolation{ID: id, Expected: cp.Hash, Actual: "payload missing"}
		}
		return nil, nil, fmt.Errorf("reading evidence payload: %w", err)
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != cp.Hash {
		v.logger.Error("evidence integrity violation",
			"evidence_id", id,
			"expected", cp.Hash,
			"actual", got)
		return nil, nil, &models.IntegrityViolation{ID: id, Expected: cp.Hash, Actual: got}
	}

	return &cp, data, nil
}

// Verify re-hashes the stored payload without returning it.
func (v *Vault) Verify(ctx context.Context, id string) error {
	_, _, err := v.Get(ctx, id)
	return err
}

// List returns records newest first.
func (v *Vault) List(ctx context.Context, filter Filter) ([]*models.EvidenceRecord, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []*models.EvidenceRecord
	for _, id := range v.order {
		rec := v.index[id]
		if filter.Source != nil && rec.Source != *filter.Source {
			continue
		}
		if filter.Type != nil && rec.Type != *filter.Type {
			continue
		}
		if filter.ControlID != nil && !containsControl(rec.Controls, *filter.ControlID) {
			continue
		}
		if filter.From != nil && rec.CollectedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && rec.CollectedAt.After(*filter.To) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.After(out[j].CollectedAt)
		}
		return out[i].ID > out[j].ID
	})

	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (v *Vault) Summary(ctx context.Context) (Summary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := Summary{
		ByType:   make(map[models.EvidenceType]int),
		BySource: make(map[string]int),
	}
	for _, rec := range v.index {
		s.Total++
		s.ByType[rec.Type]++
		s.BySource[rec.Source]++
	}
	return s, nil
}

// CollectSnapshot archives a JSON rendering of a configuration state,
// such as the records a connector returned.
func (v *Vault) CollectSnapshot(ctx context.Context, source string, data interface{}, controls []string) (*models.EvidenceRecord, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return v.Put(ctx, Item{
		Source:   source,
		Type:     models.EvidenceTypeConfig,
		Payload:  payload,
		Controls: controls,
	})
}

// CollectLog archives log lines verbatim.
func (v *Vault) CollectLog(ctx context.Context, source string, lines []string, controls []string) (*models.EvidenceRecord, error) {
	return v.Put(ctx, Item{
		Source:   source,
		Type:     models.EvidenceTypeLog,
		Payload:  []byte(strings.Join(lines, "\n")),
		Controls: controls,
	})
}

// CollectEvaluation archives an evaluation result so the pass/fail trail
// survives independently of the result store.
func (v *Vault) CollectEvaluation(ctx context.Context, result *models.EvaluationResult) (*models.EvidenceRecord, error) {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding evaluation result: %w", err)
	}
	return v.Put(ctx, Item{
		Source:   "evaluation_engine",
		Type:     models.EvidenceTypeEvaluation,
		Payload:  payload,
		Controls: []string{result.ControlID},
	})
}

func (v *Vault) persistLocked(ctx context.Context) error {
	meta := metadataFile{
		Seq:     v.seq,
		Records: make([]*models.EvidenceRecord, 0, len(v.order)),
	}
	for _, id := range v.order {
		meta.Records = append(meta.Records, v.index[id])
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return v.store.Put(ctx, metadataKey, data)
}

func containsControl(controls []string, id string) bool {
	for _, c := range controls {
		if c == id {
			return true
		}
	}
	return false
}

// extensionFor picks the on-disk extension from the payload bytes.
func extensionFor(payload []byte) string {
	if len(bytes.TrimSpace(payload)) > 0 && json.Valid(payload) {
		return "json"
	}
	if utf8.Valid(payload) {
		return "txt"
	}
	return "bin"
}
