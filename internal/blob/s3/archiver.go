package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

const (
	archiveContentType = "application/x-ndjson"
	// multipartThreshold switches large archives to PutMultipart.
	multipartThreshold = 8 * 1024 * 1024
)

// archiveRecord is one JSONL line. The first line of an archive is the
// listing, the rest are its purchases.
type archiveRecord struct {
	Kind     string           `json:"kind"`
	Listing  *domain.Listing  `json:"listing,omitempty"`
	Purchase *domain.Purchase `json:"purchase,omitempty"`
}

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver implements domain.Archiver. Records of a deleted listing are
// written to listings/{appID}/archive-{unix}.jsonl; the primary store is
// left untouched.
type Archiver struct {
	writer domain.BlobWriter
	now    func() time.Time
}

// NewArchiver creates an Archiver uploading through writer.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer, now: time.Now}
}

// ArchiveListing uploads l and its purchases and returns the object path.
func (a *Archiver) ArchiveListing(ctx context.Context, l domain.Listing, purchases []domain.Purchase) (string, error) {
	records := make([]archiveRecord, 0, len(purchases)+1)
	records = append(records, archiveRecord{Kind: "listing", Listing: &l})
	for i := range purchases {
		records = append(records, archiveRecord{Kind: "purchase", Purchase: &purchases[i]})
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive listing %d: %w", l.ID, err)
	}

	path := ArchivePath(l.ID, a.now())
	if mw, ok := a.writer.(multipartWriter); ok && len(buf) > multipartThreshold {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), archiveContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive listing %d: %w", l.ID, err)
	}
	return path, nil
}

// ArchivePrefix is the object prefix holding a listing's archives.
func ArchivePrefix(listingID uint64) string {
	return fmt.Sprintf("listings/%d/", listingID)
}

// ArchivePath builds the object key of an archive taken at ts.
//
//	listings/1001/archive-1767225600.jsonl
func ArchivePath(listingID uint64, ts time.Time) string {
	return fmt.Sprintf("%sarchive-%d.jsonl", ArchivePrefix(listingID), ts.Unix())
}

// Archive is a decoded listing archive.
type Archive struct {
	Listing   domain.Listing    `json:"listing"`
	Purchases []domain.Purchase `json:"purchases"`
}

// ReadArchive loads and decodes the archive at path.
func ReadArchive(ctx context.Context, r domain.BlobReader, path string) (Archive, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return Archive{}, err
	}
	defer body.Close()

	var (
		out        Archive
		sawListing bool
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec archiveRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return Archive{}, fmt.Errorf("s3blob: read archive %s line %d: %w", path, line, err)
		}
		switch {
		case rec.Kind == "listing" && rec.Listing != nil:
			out.Listing = *rec.Listing
			sawListing = true
		case rec.Kind == "purchase" && rec.Purchase != nil:
			out.Purchases = append(out.Purchases, *rec.Purchase)
		default:
			return Archive{}, fmt.Errorf("s3blob: read archive %s line %d: unexpected record %q", path, line, rec.Kind)
		}
	}
	if err := sc.Err(); err != nil {
		return Archive{}, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	if !sawListing {
		return Archive{}, fmt.Errorf("s3blob: read archive %s: no listing record", path)
	}
	return out, nil
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
