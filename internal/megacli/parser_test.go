package megacli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastPercent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
		ok    bool
	}{
		{"plain", "TRANSFERRING ||#####.....|| 42.3 %", 42.3, true},
		{"integer", "10 %", 10, true},
		{"comma decimal", "Progreso 99,5 %", 99.5, true},
		{"picks last", "10 % ... 20 % ... 35.0 %", 35.0, true},
		{"no percent", "logging in...", 0, false},
		{"over hundred", "250 %", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LastPercent(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 0.001)
			}
		})
	}
}

func TestParseExportURL(t *testing.T) {
	out := `Exported /vault/my-asset: https://mega.nz/folder/AbCdEf#0123key456`
	url, ok := ParseExportURL(out)
	require.True(t, ok)
	assert.Equal(t, "https://mega.nz/folder/AbCdEf#0123key456", url)

	url, ok = ParseExportURL(`link "https://mega.nz/file/XyZ#k",`)
	require.True(t, ok)
	assert.Equal(t, "https://mega.nz/file/XyZ#k", url)

	_, ok = ParseExportURL("no link here")
	assert.False(t, ok)
}

func TestParseUsage(t *testing.T) {
	used, total, ok := ParseUsage("USED STORAGE: 5.00 GB of 20.00 GB")
	require.True(t, ok)
	assert.Equal(t, int64(5*1024*1024*1024), used)
	assert.Equal(t, int64(20*1024*1024*1024), total)

	used, total, ok = ParseUsage("Account usage: 512.0 MB / 2.0 TB")
	require.True(t, ok)
	assert.Equal(t, int64(512*1024*1024), used)
	assert.Equal(t, int64(2*1024*1024*1024*1024), total)

	_, _, ok = ParseUsage("command not found")
	assert.False(t, ok)
}

func TestParseFolderSize(t *testing.T) {
	size, ok := ParseFolderSize("Total size taken up by file versions: 1.50 GB")
	require.True(t, ok)
	assert.Equal(t, int64(1.5*1024*1024*1024), size)

	_, ok = ParseFolderSize("empty folder")
	assert.False(t, ok)
}

func TestParseListing(t *testing.T) {
	out := "/vault/alpha/alpha.zip\n\n[API:err at request]\n/vault/beta/beta.zip\n"
	entries := ParseListing(out)
	assert.Equal(t, []string{"/vault/alpha/alpha.zip", "/vault/beta/beta.zip"}, entries)

	assert.Nil(t, ParseListing(""))
}

func TestExportExists(t *testing.T) {
	assert.True(t, exportExists(64, ""))
	assert.True(t, exportExists(63, ""))
	assert.True(t, exportExists(65, ""))
	assert.True(t, exportExists(1, "node is Already exported"))
	assert.False(t, exportExists(1, "other failure"))
	assert.False(t, exportExists(0, ""))
}
