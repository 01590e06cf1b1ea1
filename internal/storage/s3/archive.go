package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/response"
)

// Data types written by the archiver.
const (
	TypeCorrelations = "correlations"
	TypeExecutions   = "executions"
)

// Record is one archived item.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Manifest describes one archive and its parts.
type Manifest struct {
	ID           string    `json:"archive_id"`
	DataType     string    `json:"data_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	TotalRecords int       `json:"total_records"`
	Parts        []Part    `json:"parts"`
	CreatedAt    time.Time `json:"created_at"`
}

// Part is one gzip-compressed JSON object of an archive.
type Part struct {
	Number  int    `json:"number"`
	Key     string `json:"key"`
	Size    int    `json:"size"`
	Records int    `json:"records"`
}

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	BatchSize int `yaml:"batch_size"`
	// PathTemplate supports {type}, {date} and {id}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns the default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:    5000,
		PathTemplate: "archives/{type}/{date}/{id}.json.gz",
	}
}

// Archiver writes purged correlations and executions to S3. It implements
// correlation.Archiver and response.ExecutionArchiver.
type Archiver struct {
	client *Client
	config ArchiverConfig
	now    func() time.Time
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg ArchiverConfig) *Archiver {
	def := DefaultArchiverConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = def.PathTemplate
	}
	return &Archiver{client: client, config: cfg, now: time.Now}
}

// ArchiveCorrelations implements correlation.Archiver.
func (a *Archiver) ArchiveCorrelations(ctx context.Context, items []*correlation.Correlation) error {
	records := make([]Record, 0, len(items))
	for _, c := range items {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal correlation %s: %w", c.ID, err)
		}
		records = append(records, Record{ID: c.ID, Timestamp: c.CreatedAt, Data: data})
	}
	_, err := a.Archive(ctx, TypeCorrelations, records)
	return err
}

// ArchiveExecutions implements response.ExecutionArchiver.
func (a *Archiver) ArchiveExecutions(ctx context.Context, items []*response.Execution) error {
	records := make([]Record, 0, len(items))
	for _, e := range items {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal execution %s: %w", e.ID, err)
		}
		records = append(records, Record{ID: e.ID, Timestamp: e.CreatedAt, Data: data})
	}
	_, err := a.Archive(ctx, TypeExecutions, records)
	return err
}

// Archive uploads records in gzip parts followed by a manifest. It returns
// nil for an empty record set.
func (a *Archiver) Archive(ctx context.Context, dataType string, records []Record) (*Manifest, error) {
	if len(records) == 0 {
		return nil, nil
	}

	m := &Manifest{
		ID:           uuid.NewString(),
		DataType:     dataType,
		StartTime:    records[0].Timestamp,
		EndTime:      records[0].Timestamp,
		TotalRecords: len(records),
		CreatedAt:    a.now().UTC(),
	}
	for _, r := range records {
		if r.Timestamp.Before(m.StartTime) {
			m.StartTime = r.Timestamp
		}
		if r.Timestamp.After(m.EndTime) {
			m.EndTime = r.Timestamp
		}
	}

	for start := 0; start < len(records); start += a.config.BatchSize {
		end := min(start+a.config.BatchSize, len(records))
		part := Part{
			Number:  len(m.Parts) + 1,
			Key:     a.key(dataType, fmt.Sprintf("%s-part-%d", m.ID, len(m.Parts)+1)),
			Records: end - start,
		}

		body, err := gzipJSON(records[start:end])
		if err != nil {
			return nil, fmt.Errorf("s3: encode part %d: %w", part.Number, err)
		}
		part.Size = len(body)
		if err := a.client.Put(ctx, part.Key, body, "application/gzip", map[string]string{
			"data-type":    dataType,
			"archive-id":   m.ID,
			"record-count": fmt.Sprint(part.Records),
		}); err != nil {
			return nil, err
		}
		m.Parts = append(m.Parts, part)
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := a.client.Put(ctx, manifestKey(dataType, m.ID), manifest, "application/json", nil); err != nil {
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	slog.Info("archived records",
		"archive_id", m.ID,
		"data_type", dataType,
		"records", len(records),
		"parts", len(m.Parts),
	)
	return m, nil
}

// Restore reads every record of an archive back.
func (a *Archiver) Restore(ctx context.Context, dataType, archiveID string) ([]Record, error) {
	raw, err := a.client.Get(ctx, manifestKey(dataType, archiveID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("s3: decode manifest %s: %w", archiveID, err)
	}

	var out []Record
	for _, p := range m.Parts {
		body, err := a.client.Get(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("s3: part %d: %w", p.Number, err)
		}
		data, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("s3: part %d: %w", p.Number, err)
		}
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("s3: part %d: %w", p.Number, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

func (a *Archiver) key(dataType, id string) string {
	return strings.NewReplacer(
		"{type}", dataType,
		"{date}", a.now().UTC().Format("2006/01/02"),
		"{id}", id,
	).Replace(a.config.PathTemplate)
}

func manifestKey(dataType, id string) string {
	return fmt.Sprintf("manifests/%s/%s.json", dataType, id)
}

func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
