// Package ingest is the front door for diary uploads: it streams the PDF
// to blob storage while hashing it, and refuses content the system has
// already seen.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diariolab/gazeta/blob"
	"github.com/diariolab/gazeta/store"
)

// DuplicateError reports that an uploaded PDF's content hash matches a
// diary already in the system.
type DuplicateError struct {
	ContentHash       string
	ExistingDiaryID   string
	ExistingCreatedAt int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("ingest: duplicate content %s already ingested as diary %s",
		e.ContentHash, e.ExistingDiaryID)
}

// Request carries upload metadata alongside the PDF stream.
type Request struct {
	StateCode   string
	GazetteDate string // YYYY-MM-DD
	UploaderID  string
}

// Gate accepts uploads and enforces content-hash deduplication.
type Gate struct {
	store *store.Store
	blobs *blob.Store
}

// New creates an ingest Gate.
func New(st *store.Store, blobs *blob.Store) *Gate {
	return &Gate{store: st, blobs: blobs}
}

// Ingest streams a PDF upload into blob storage and registers a pendente
// diary for it. The stream is hashed while it spools, never buffered whole
// in memory. A re-upload of known content returns *DuplicateError and
// leaves no stored artifact behind.
func (g *Gate) Ingest(ctx context.Context, req Request, r io.Reader) (*store.Diary, error) {
	if req.StateCode == "" || req.GazetteDate == "" {
		return nil, fmt.Errorf("ingest: state code and gazette date are required")
	}

	// Spool to a temp file while hashing. The blob key depends on the
	// hash, so the content cannot go to its final location first.
	tmp, err := os.CreateTemp("", "gazeta-upload-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("ingest: spool: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		return nil, fmt.Errorf("ingest: read upload: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	if existing, err := g.store.GetDiaryByHash(ctx, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &DuplicateError{
			ContentHash:       hash,
			ExistingDiaryID:   existing.ID,
			ExistingCreatedAt: existing.CreatedAt,
		}
	}

	key := BlobKey(hash)
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("ingest: rewind spool: %w", err)
	}
	if _, err := g.blobs.Put(key, tmp); err != nil {
		return nil, err
	}

	d := &store.Diary{
		StateCode:   strings.ToUpper(req.StateCode),
		GazetteDate: req.GazetteDate,
		ContentHash: hash,
		StoragePath: key,
		UploaderID:  req.UploaderID,
	}
	if err := g.store.InsertDiary(ctx, d); err != nil {
		// A concurrent upload of the same content can slip past the
		// pre-check and hit the UNIQUE constraint here. Translate the
		// race into the same duplicate error and clean up our copy.
		if existing, lookupErr := g.store.GetDiaryByHash(ctx, hash); lookupErr == nil && existing != nil {
			g.blobs.Delete(key)
			return nil, &DuplicateError{
				ContentHash:       hash,
				ExistingDiaryID:   existing.ID,
				ExistingCreatedAt: existing.CreatedAt,
			}
		}
		g.blobs.Delete(key)
		return nil, fmt.Errorf("ingest: register diary: %w", err)
	}
	return d, nil
}

// BlobKey returns the storage key for a diary PDF, sharded by hash prefix
// to keep directories small.
func BlobKey(hash string) string {
	if len(hash) < 2 {
		return "diaries/" + hash + ".pdf"
	}
	return "diaries/" + hash[:2] + "/" + hash + ".pdf"
}

// TextKey returns the storage key for a diary's extracted-text artifact.
func TextKey(hash string) string {
	if len(hash) < 2 {
		return "texts/" + hash + ".txt"
	}
	return "texts/" + hash[:2] + "/" + hash + ".txt"
}
