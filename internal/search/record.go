package search

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const maxIndexedBody = 64 << 10

var chunkHeader = regexp.MustCompile(`^\s*\[C:([^"\]]+)"([^"]*)"\]`)

type frontmatter struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Language string `yaml:"language"`
}

// RecordFromContent builds the index record for a project. Only the YAML
// frontmatter and the chunk headers are interpreted; the rest of the text is
// indexed as-is. Malformed frontmatter is ignored.
func RecordFromContent(projectID, content, hash string, updatedAt time.Time) ProjectRecord {
	meta, body := splitFrontmatter(content)

	record := ProjectRecord{
		ID:        projectID,
		Title:     strings.TrimSpace(meta.Title),
		Author:    strings.TrimSpace(meta.Author),
		Language:  strings.TrimSpace(meta.Language),
		Chunks:    []string{},
		Hash:      hash,
		UpdatedAt: stamp(updatedAt),
	}

	var text strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if m := chunkHeader.FindStringSubmatch(line); m != nil {
			if title := strings.TrimSpace(m[2]); title != "" {
				record.Chunks = append(record.Chunks, title)
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if text.Len()+len(line)+1 > maxIndexedBody {
			break
		}
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(line)
	}
	record.Body = text.String()

	if record.Title == "" {
		if len(record.Chunks) > 0 {
			record.Title = record.Chunks[0]
		} else {
			record.Title = projectID
		}
	}
	return record
}

func splitFrontmatter(content string) (frontmatter, string) {
	var meta frontmatter
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return meta, normalized
	}
	rest := normalized[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, normalized
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return frontmatter{}, rest[end+len("\n---"):]
	}
	return meta, rest[end+len("\n---"):]
}
