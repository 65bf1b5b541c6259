package git

import "testing"

func TestParseNumstat(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantFiles int
		wantLines int
	}{
		{
			name:      "empty diff",
			out:       "",
			wantFiles: 0,
			wantLines: 0,
		},
		{
			name:      "single file",
			out:       "10\t2\tinternal/server/server.go",
			wantFiles: 1,
			wantLines: 12,
		},
		{
			name: "multiple files",
			out: "3\t1\ta.go\n" +
				"0\t5\tb.go\n" +
				"120\t0\tc/d.go",
			wantFiles: 3,
			wantLines: 129,
		},
		{
			name:      "binary file counts as file only",
			out:       "-\t-\tassets/logo.png\n2\t2\tmain.go",
			wantFiles: 2,
			wantLines: 4,
		},
		{
			name:      "trailing newline",
			out:       "1\t1\tx.go\n",
			wantFiles: 1,
			wantLines: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := ParseNumstat(tt.out)
			if stats.FilesChanged != tt.wantFiles {
				t.Errorf("FilesChanged = %d, want %d", stats.FilesChanged, tt.wantFiles)
			}
			if stats.TotalLines() != tt.wantLines {
				t.Errorf("TotalLines() = %d, want %d", stats.TotalLines(), tt.wantLines)
			}
		})
	}
}

func TestParseNumstat_CollectsChangedFiles(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{
			name: "plain paths",
			out:  "10\t5\tsrc/a.go\n3\t1\tsrc/b.go",
			want: []string{"src/a.go", "src/b.go"},
		},
		{
			name: "binary file still listed",
			out:  "-\t-\tassets/logo.png",
			want: []string{"assets/logo.png"},
		},
		{
			name: "path with spaces",
			out:  "1\t0\tdocs/release notes.md",
			want: []string{"docs/release notes.md"},
		},
		{
			name: "empty diff",
			out:  "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNumstat(tt.out).ChangedFiles
			if len(got) != len(tt.want) {
				t.Fatalf("ChangedFiles = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ChangedFiles[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDiffStatsEmpty(t *testing.T) {
	if !ParseNumstat("").Empty() {
		t.Error("empty numstat should produce an empty diff")
	}
	if ParseNumstat("1\t0\ta.go").Empty() {
		t.Error("non-empty numstat reported as empty")
	}
}
