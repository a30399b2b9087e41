package compose

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Storage strategies for named-volume rewriting.
const (
	// StrategyLegacyNamedSource keeps the on-disk layout of apps installed
	// before app-scoped data directories existed: appDataRoot/<volumeName>.
	StrategyLegacyNamedSource = "legacy_named_source"
	// StrategyAppTargetPath produces an app-scoped tree:
	// appDataRoot/<appID>/<containerPath without leading slash>.
	StrategyAppTargetPath = "app_target_path"
)

// StorageOptions control NormalizeStorage.
type StorageOptions struct {
	AppID    string
	Strategy string
}

// portEntryRe matches a short-form ports list entry, optionally IP-bound:
// "- [ip:]host:container". Group 3 is the host port.
var portEntryRe = regexp.MustCompile(`^(\s*-\s*["']?)((?:\d{1,3}(?:\.\d{1,3}){3}:)?)(\d{1,5}):(\d{1,5})`)

// OverrideWebPort rewrites the host side of the first short-form mapping
// inside a ports block, preserving surrounding formatting and quoting.
// Numeric "N:M" pairs outside ports blocks (user: "1000:1000", volume
// entries) are never touched, and an IP-bound mapping keeps its address.
// Documents without a rewritable port mapping are returned unchanged; not
// every app exposes a web UI.
func OverrideWebPort(text string, port int) string {
	lines := strings.Split(text, "\n")
	inPorts := false
	portsIndent := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "ports:" {
			inPorts = true
			portsIndent = indentOf(line)
			continue
		}
		if !inPorts {
			continue
		}
		if indentOf(line) <= portsIndent {
			inPorts = false
			continue
		}
		m := portEntryRe.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		// Replace only the host submatch.
		lines[i] = line[:m[6]] + fmt.Sprintf("%d", port) + line[m[7]:]
		return strings.Join(lines, "\n")
	}
	return text
}

// NormalizeStorage rewrites every named-volume reference in the document into
// an absolute bind-mount path under appDataRoot and removes the rewritten
// names from the top-level volumes block. It performs no I/O: the returned
// directory list is what callers must create on disk before applying the
// stack. Bind mounts already expressed as paths pass through unchanged.
func NormalizeStorage(text, appDataRoot string, opts StorageOptions) (string, []string, error) {
	switch opts.Strategy {
	case StrategyLegacyNamedSource, StrategyAppTargetPath:
	default:
		return "", nil, fmt.Errorf("unknown storage strategy %q", opts.Strategy)
	}

	named := topLevelVolumeNames(text)
	if len(named) == 0 {
		return text, nil, nil
	}

	lines := strings.Split(text, "\n")
	rewritten := map[string]bool{}
	dirSet := map[string]bool{}

	for i, line := range lines {
		entry, ok := volumeEntry(line)
		if !ok {
			continue
		}
		source, rest, found := strings.Cut(entry.value, ":")
		if !found || !named[source] {
			continue
		}
		containerPath := rest
		mode := ""
		if idx := strings.LastIndex(rest, ":"); idx >= 0 {
			containerPath, mode = rest[:idx], rest[idx:]
		}

		var hostPath string
		switch opts.Strategy {
		case StrategyLegacyNamedSource:
			hostPath = path.Join(appDataRoot, source)
		case StrategyAppTargetPath:
			hostPath = path.Join(appDataRoot, opts.AppID, strings.TrimPrefix(containerPath, "/"))
		}

		lines[i] = entry.prefix + hostPath + ":" + containerPath + mode + entry.suffix
		rewritten[source] = true
		dirSet[hostPath] = true
	}

	out := removeNamedVolumes(lines, rewritten)

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	return strings.Join(out, "\n"), dirs, nil
}

// volumeLine captures a "- source:target[:mode]" list entry with its
// surrounding indentation and quoting kept intact.
type volumeLine struct {
	prefix string // indentation, dash, opening quote
	value  string
	suffix string // closing quote, trailing whitespace
}

var volumeEntryRe = regexp.MustCompile(`^(\s*-\s*["']?)([^"'\s][^"']*:[^"']+?)(["']?\s*)$`)

func volumeEntry(line string) (volumeLine, bool) {
	m := volumeEntryRe.FindStringSubmatch(line)
	if m == nil {
		return volumeLine{}, false
	}
	return volumeLine{prefix: m[1], value: m[2], suffix: m[3]}, true
}

// topLevelVolumeNames returns the names declared under the document's
// top-level volumes block, as a set.
func topLevelVolumeNames(text string) map[string]bool {
	p := Parse(text)
	if p == nil {
		return nil
	}
	named := make(map[string]bool, len(p.VolumeNames))
	for _, name := range p.VolumeNames {
		named[name] = true
	}
	return named
}

// removeNamedVolumes strips rewritten volume declarations from the top-level
// volumes block, dropping the block header when it ends up empty.
func removeNamedVolumes(lines []string, rewritten map[string]bool) []string {
	if len(rewritten) == 0 {
		return lines
	}

	out := make([]string, 0, len(lines))
	inBlock := false
	skipDeeperThan := -1 // continuation lines under a removed declaration
	headerIdx := -1
	kept := 0

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "volumes:" && indentOf(line) == 0 {
			inBlock = true
			headerIdx = len(out)
			kept = 0
			out = append(out, line)
			continue
		}
		if inBlock {
			ind := indentOf(line)
			if strings.TrimSpace(line) == "" {
				out = append(out, line)
				continue
			}
			if ind == 0 {
				// Block ended.
				if kept == 0 && headerIdx >= 0 {
					out = append(out[:headerIdx], out[headerIdx+1:]...)
				}
				inBlock = false
				skipDeeperThan = -1
				out = append(out, line)
				continue
			}
			if skipDeeperThan >= 0 && ind > skipDeeperThan {
				continue
			}
			skipDeeperThan = -1
			name := strings.TrimSpace(strings.SplitN(line, ":", 2)[0])
			if rewritten[name] {
				skipDeeperThan = ind
				continue
			}
			kept++
			out = append(out, line)
			continue
		}
		out = append(out, line)
	}

	if inBlock && kept == 0 && headerIdx >= 0 {
		out = append(out[:headerIdx], out[headerIdx+1:]...)
	}

	return out
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeStackName converts a human-readable name into a filesystem- and
// runtime-safe slug: lowercase, runs of non-alphanumerics collapsed to a
// single hyphen, leading and trailing hyphens trimmed. Distinct names can
// collide in rare cases; callers still enforce uniqueness against existing
// stacks.
func SanitizeStackName(input string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(input), "-")
	return strings.Trim(slug, "-")
}

// RawStackFileURL maps a repository URL to the raw-content URL of a file on
// the default branch. Only github.com and gitlab.com URL shapes are
// recognized.
func RawStackFileURL(repositoryURL, stackFilePath string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSuffix(repositoryURL, "/"), ".git"))
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	repoPath := strings.Trim(u.Path, "/")
	filePath := strings.TrimPrefix(stackFilePath, "/")

	switch u.Host {
	case "github.com", "www.github.com":
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/master/%s", repoPath, filePath), nil
	case "gitlab.com", "www.gitlab.com":
		return fmt.Sprintf("https://gitlab.com/%s/-/raw/master/%s", repoPath, filePath), nil
	}
	return "", fmt.Errorf("unsupported repository host %q", u.Host)
}
