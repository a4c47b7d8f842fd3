package detector

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"docqc/internal/jobs"
)

// Format is the role layout a format folder declares.
type Format int

const (
	FormatUnknown Format = iota
	// FormatTwo folders hold theory and a combined mcqs document.
	FormatTwo
	// FormatThree folders hold theory, mcqs and a separate solution document.
	FormatThree
)

func (f Format) String() string {
	switch f {
	case FormatTwo:
		return "two-role"
	case FormatThree:
		return "three-role"
	default:
		return "unknown"
	}
}

// Expected returns how many documents a complete folder of this format holds.
func (f Format) Expected() int {
	switch f {
	case FormatTwo:
		return 2
	case FormatThree:
		return 3
	default:
		return 0
	}
}

// Kind distinguishes single-file events from merge-required ones.
type Kind string

const (
	KindSingle Kind = "single"
	KindMerge  Kind = "merge"
)

// Event is one resolved logical document.
type Event struct {
	Kind    Kind
	Role    jobs.Role
	Format  Format
	Folder  string
	Chapter string
	// GroupKey identifies the leaf folder the document came from.
	GroupKey string
	// Paths are the files to process, in merge order.
	Paths []string
	// Related lists every document in the folder, chosen or not.
	Related []string
}

// Primary returns the path the job is keyed by.
func (e Event) Primary() string {
	if len(e.Paths) == 0 {
		return ""
	}
	return e.Paths[0]
}

// foldName case-folds a name for keyword matching. Casers carry state, so one
// is built per call.
func foldName(name string) string {
	return cases.Fold().String(name)
}

var roleKeywords = []struct {
	role     jobs.Role
	keywords []string
}{
	{jobs.RoleSolution, []string{"solution", "answer", "sol"}},
	{jobs.RoleMCQs, []string{"mcq", "question", "quiz"}},
	{jobs.RoleTheory, []string{"theory", "notes", "lesson"}},
}

// ClassifyRole infers a document role from its file name.
func ClassifyRole(name string) jobs.Role {
	base := foldName(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	tokens := strings.FieldsFunc(base, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, entry := range roleKeywords {
		for _, token := range tokens {
			for _, keyword := range entry.keywords {
				if token == keyword || token == keyword+"s" || (len(keyword) > 3 && strings.HasPrefix(token, keyword)) {
					return entry.role
				}
			}
		}
	}
	return jobs.RoleDocument
}

// ParseFormat reads the declared format from a format folder name such as
// "3 Files" or "Two-Part".
func ParseFormat(name string) Format {
	tokens := strings.FieldsFunc(foldName(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		switch token {
		case "3", "three", "3file", "3files":
			return FormatThree
		case "2", "two", "2file", "2files":
			return FormatTwo
		}
	}
	return FormatUnknown
}

// Classification is the outcome of resolving one folder.
type Classification struct {
	Events   []Event
	Warnings []string
}

// ClassifyFolder groups the documents of one leaf folder into events.
//
// Theory documents always resolve on their own. In a three-role folder a
// mcqs+solution pair resolves to one merge event; in a two-role folder the
// mcqs document resolves alone. When the folder contents contradict the
// declared format the ambiguous pair is skipped with a warning. An unknown
// format is inferred from the roles present.
func ClassifyFolder(format Format, folderName, chapter, groupKey string, paths []string) Classification {
	related := append([]string(nil), paths...)
	sort.Strings(related)

	byRole := make(map[jobs.Role][]string)
	for _, path := range related {
		role := ClassifyRole(path)
		byRole[role] = append(byRole[role], path)
	}

	if format == FormatUnknown {
		if len(byRole[jobs.RoleSolution]) > 0 {
			format = FormatThree
		} else if len(byRole[jobs.RoleMCQs]) > 0 || len(byRole[jobs.RoleTheory]) > 0 {
			format = FormatTwo
		}
	}

	base := Event{Format: format, Folder: folderName, Chapter: chapter, GroupKey: groupKey, Related: related}
	single := func(role jobs.Role, path string) Event {
		ev := base
		ev.Kind = KindSingle
		ev.Role = role
		ev.Paths = []string{path}
		return ev
	}

	var out Classification
	warn := func(msg string) { out.Warnings = append(out.Warnings, msg) }

	for _, path := range byRole[jobs.RoleTheory] {
		out.Events = append(out.Events, single(jobs.RoleTheory, path))
	}
	for _, path := range byRole[jobs.RoleDocument] {
		out.Events = append(out.Events, single(jobs.RoleDocument, path))
	}

	mcqs := byRole[jobs.RoleMCQs]
	solutions := byRole[jobs.RoleSolution]
	switch format {
	case FormatThree:
		switch {
		case len(mcqs) == 1 && len(solutions) == 1:
			ev := base
			ev.Kind = KindMerge
			ev.Role = jobs.RoleMCQs
			ev.Paths = []string{mcqs[0], solutions[0]}
			out.Events = append(out.Events, ev)
		case len(mcqs) == 0 && len(solutions) == 0:
		default:
			warn(fmt.Sprintf("three-role folder has %d mcqs and %d solution documents; skipping the pair", len(mcqs), len(solutions)))
		}
	case FormatTwo:
		switch {
		case len(solutions) > 0:
			warn(fmt.Sprintf("two-role folder contains %d solution document(s); skipping mcqs and solution", len(solutions)))
		case len(mcqs) == 1:
			out.Events = append(out.Events, single(jobs.RoleMCQs, mcqs[0]))
		case len(mcqs) > 1:
			warn(fmt.Sprintf("two-role folder has %d mcqs documents; skipping them", len(mcqs)))
		}
	}

	if expected := format.Expected(); expected > 0 && len(related) > expected {
		warn(fmt.Sprintf("%s folder holds %d documents, expected at most %d", format, len(related), expected))
	}
	return out
}
