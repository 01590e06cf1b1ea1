package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/response"
)

type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newFakeAPI() *fakeAPI { return &fakeAPI{objects: map[string][]byte{}} }

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newTestArchiver(api *fakeAPI, batch int) *Archiver {
	cfg := DefaultConfig()
	a := NewArchiver(&Client{api: api, config: cfg}, ArchiverConfig{BatchSize: batch})
	a.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"kms", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
		{"unknown encryption", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStorageClass(t *testing.T) {
	if got := storageClass("glacier_ir"); got != "GLACIER_IR" {
		t.Errorf("storageClass(glacier_ir) = %s", got)
	}
	if got := storageClass("bogus"); got != "STANDARD" {
		t.Errorf("storageClass(bogus) = %s, want STANDARD", got)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, 2)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var items []*correlation.Correlation
	for i, id := range []string{"c1", "c2", "c3"} {
		items = append(items, &correlation.Correlation{ID: id, RuleID: "r", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	records := make([]Record, 0, len(items))
	for _, c := range items {
		records = append(records, Record{ID: c.ID, Timestamp: c.CreatedAt, Data: []byte(`{"id":"` + c.ID + `"}`)})
	}
	m, err := a.Archive(ctx, TypeCorrelations, records)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if len(m.Parts) != 2 || m.TotalRecords != 3 {
		t.Errorf("manifest = %+v, want 2 parts and 3 records", m)
	}
	if !m.StartTime.Equal(base) || !m.EndTime.Equal(base.Add(2*time.Hour)) {
		t.Errorf("manifest range = %v..%v", m.StartTime, m.EndTime)
	}
	wantPrefix := "soar/archives/correlations/2026/03/10/"
	for _, p := range m.Parts {
		if _, ok := api.objects["soar/"+p.Key]; !ok || !strings.HasPrefix("soar/"+p.Key, wantPrefix) {
			t.Errorf("part key %s not stored under %s", p.Key, wantPrefix)
		}
	}

	restored, err := a.Restore(ctx, TypeCorrelations, m.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 3 || restored[2].ID != "c3" {
		t.Errorf("Restore() = %+v", restored)
	}
}

func TestArchiver_DomainArchives(t *testing.T) {
	api := newFakeAPI()
	a := newTestArchiver(api, 100)
	ctx := context.Background()

	if err := a.ArchiveCorrelations(ctx, nil); err != nil {
		t.Errorf("ArchiveCorrelations(nil) error = %v", err)
	}
	if len(api.objects) != 0 {
		t.Errorf("empty archive wrote %d objects", len(api.objects))
	}

	execs := []*response.Execution{{ID: "e1", Action: response.ActionBlockIP, Status: response.StatusExecuted}}
	if err := a.ArchiveExecutions(ctx, execs); err != nil {
		t.Fatalf("ArchiveExecutions() error = %v", err)
	}
	// one part plus the manifest
	if len(api.objects) != 2 {
		t.Errorf("objects = %d, want 2", len(api.objects))
	}

	api.failPut = true
	if err := a.ArchiveExecutions(ctx, execs); err == nil {
		t.Error("ArchiveExecutions() error = nil on upload failure")
	}
	if got := a.client.Metrics().Errors; got != 1 {
		t.Errorf("Metrics().Errors = %d, want 1", got)
	}
}
