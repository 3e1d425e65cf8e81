package workspace

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// maxDiffLines caps the unified diff text attached to a Diff.
const maxDiffLines = 100

// Diff summarizes what a write or edit changed.
type Diff struct {
	Path      string `json:"path"`
	Kind      string `json:"type"` // "created" or "modified"
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Unified   string `json:"diff"`
}

// generateDiff builds a line-level unified diff between old and new content.
// New files report every line as an addition.
func generateDiff(path, old, newContent string) *Diff {
	if old == "" {
		lines := strings.Split(newContent, "\n")
		capped := lines
		if len(capped) > 50 {
			capped = capped[:50]
		}
		var b strings.Builder
		b.WriteString("+++ " + path + " (new file)\n")
		for _, line := range capped {
			b.WriteString("+" + line + "\n")
		}
		return &Diff{
			Path:      path,
			Kind:      "created",
			Additions: len(lines),
			Unified:   strings.TrimSuffix(b.String(), "\n"),
		}
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(newContent),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		text = ""
	}

	lines := strings.Split(text, "\n")
	additions, deletions := 0, 0
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
		case strings.HasPrefix(l, "+"):
			additions++
		case strings.HasPrefix(l, "-"):
			deletions++
		}
	}
	if len(lines) > maxDiffLines {
		lines = lines[:maxDiffLines]
	}
	return &Diff{
		Path:      path,
		Kind:      "modified",
		Additions: additions,
		Deletions: deletions,
		Unified:   strings.TrimSuffix(strings.Join(lines, "\n"), "\n"),
	}
}
