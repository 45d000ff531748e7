package git

import (
	"fmt"
	"strings"

	"github.com/thiagokokada/vcslog/internal/logdata"
)

func FormatCommitHeader(c logdata.Commit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit %s\n", c.ID.Hash)
	fmt.Fprintf(&b, "Root: %s\n", c.ID.Root)
	appendSignatureLine(&b, "Author", c.Author)
	appendSignatureLine(&b, "Committer", c.Committer)
	b.WriteString("\n")
	message := strings.TrimRight(c.Message, "\n")
	if message == "" {
		b.WriteString("    (no commit message)\n")
		return b.String()
	}
	for line := range strings.SplitSeq(message, "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "    %s\n", line)
	}
	return b.String()
}

// FormatSummary renders the one-line form used in listings.
func FormatSummary(c logdata.Commit) string {
	firstLine := c.Summary()
	if len(firstLine) > 80 {
		firstLine = firstLine[:77] + "..."
	}
	hash := c.ID.Hash
	if len(hash) > 7 {
		hash = hash[:7]
	}
	timestamp := c.Committer.When.Format("2006-01-02 15:04")
	return fmt.Sprintf("%s  %s  %s", hash, timestamp, firstLine)
}

func appendSignatureLine(b *strings.Builder, label string, sig logdata.Signature) {
	fmt.Fprintf(b, "%s: %s <%s>", label, sig.Name, sig.Email)
	if !sig.When.IsZero() {
		fmt.Fprintf(b, "  %s", sig.When.Format("2006-01-02 15:04:05 -0700"))
	}
	b.WriteByte('\n')
}
