package seed

import (
	"bufio"
	"strings"
)

// Block is one TASK or PROPOSAL sentinel block extracted from agent output
// (spec.md §4.6: "TITLE:, DESCRIPTION:, and (for proposals) RATIONALE: lines
// are extracted").
type Block struct {
	Title       string
	Description string
	Rationale   string
}

// ScanBlocks scans text line by line for startTag…endTag delimited blocks and
// extracts TITLE:/DESCRIPTION:/RATIONALE: lines from each. Blocks with an
// empty title are discarded (spec.md §4.6: "Empty titles are discarded").
func ScanBlocks(text, startTag, endTag string) []Block {
	var blocks []Block
	var cur *Block
	var field *string

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == startTag:
			cur = &Block{}
			field = nil
			continue
		case trimmed == endTag:
			if cur != nil && cur.Title != "" {
				blocks = append(blocks, *cur)
			}
			cur = nil
			field = nil
			continue
		}
		if cur == nil {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "TITLE:"):
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "TITLE:"))
			cur.Title = title
			field = &cur.Title
		case strings.HasPrefix(trimmed, "DESCRIPTION:"):
			desc := strings.TrimSpace(strings.TrimPrefix(trimmed, "DESCRIPTION:"))
			cur.Description = desc
			field = &cur.Description
		case strings.HasPrefix(trimmed, "RATIONALE:"):
			rat := strings.TrimSpace(strings.TrimPrefix(trimmed, "RATIONALE:"))
			cur.Rationale = rat
			field = &cur.Rationale
		case field != nil && trimmed != "":
			// Continuation line of a multi-line field.
			*field += " " + trimmed
		}
	}
	return blocks
}
