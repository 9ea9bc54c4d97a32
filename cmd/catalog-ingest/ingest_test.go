package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

type memoryWriter struct {
	mu      sync.Mutex
	records []postgres.StockRecord
	err     error
}

func (w *memoryWriter) Write(_ context.Context, records []postgres.StockRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, records...)
	return nil
}

func (w *memoryWriter) keys() []string {
	keys := make([]string, len(w.records))
	for i, r := range w.records {
		keys[i] = recordKey(r)
	}
	slices.Sort(keys)
	return keys
}

func writeExport(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    postgres.StockRecord
		wantOK  bool
		wantErr bool
	}{
		{
			name:   "valid",
			line:   "7, 42 ,course-v1:edX+DemoX,Verified",
			want:   postgres.StockRecord{CatalogID: 7, Product: productrange.Product{ID: 42, CourseID: "course-v1:edX+DemoX", CertificateType: "verified"}},
			wantOK: true,
		},
		{name: "blank", line: "   "},
		{name: "comment", line: "# catalog_id,product_id,course_id,certificate_type"},
		{name: "too few fields", line: "7,42,course", wantErr: true},
		{name: "bad catalog", line: "x,42,course,verified", wantErr: true},
		{name: "bad product", line: "7,y,course,verified", wantErr: true},
		{name: "empty course", line: "7,42,,verified", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseRecord(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIngester_Deduplicates(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeExport(t, dir, "a.csv.gz",
			"# header",
			"1,10,course-a,verified",
			"1,11,course-a,audit",
			"1,10,course-a,verified",
			"not,a,record",
		),
		writeExport(t, dir, "b.csv.gz",
			"1,11,course-a,audit",
			"2,10,course-a,verified",
		),
		writeExport(t, dir, "c.csv.gz",
			"2,10,course-a,verified",
			"3,12,course-b,professional",
		),
	}

	w := &memoryWriter{}
	s, err := newIngester(w, 1000, 2).Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, []string{"1:10", "1:11", "2:10", "3:12"}, w.keys())
	assert.Equal(t, stats{Written: 4, Skipped: 3, Invalid: 1}, s)
}

func TestIngester_WriteError(t *testing.T) {
	dir := t.TempDir()
	files := []string{writeExport(t, dir, "a.csv.gz", "1,10,course-a,verified")}

	w := &memoryWriter{err: errors.New("connection reset")}
	_, err := newIngester(w, 100, 10).Run(context.Background(), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIngester_MissingFile(t *testing.T) {
	_, err := newIngester(&memoryWriter{}, 100, 10).Run(context.Background(), []string{"/nonexistent.csv.gz"})
	require.Error(t, err)
}
