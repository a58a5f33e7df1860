// Package eventname encodes task metadata into calendar event titles and
// recovers the task content from edited titles.
package eventname

import (
	"regexp"
	"strings"
	"time"

	"github.com/harrisonrobin/todocal/pkg/config"
	"github.com/harrisonrobin/todocal/pkg/model"
)

var (
	// "https://example.com/a (Article title)"
	trailingTitleLink = regexp.MustCompile(`^(\S+://\S+)\s*\((.+)\)\s*$`)
	// "[Article title](https://example.com/a)"
	markdownLink = regexp.MustCompile(`^\[(.+)\]\((\S+://[^)\s]+)\)\s*$`)
	priorityTag  = regexp.MustCompile(`^[pP][1-4]$`)
)

// Context carries what the codec needs beyond the task itself.
type Context struct {
	ProjectName       string
	ParentProjectName string
	// Today is the current civil date in the tracker's timezone.
	Today     time.Time
	Completed bool
}

// Decoded is the result of parsing an event title.
type Decoded struct {
	Content  string
	Priority int // 0 when the title carries no priority information
	// Tagged is set when the priority came from a trailing pN tag.
	Tagged bool
}

// Codec renders task titles with the configured icons and parses edited
// titles back.
type Codec struct {
	icons      config.Icons
	appearance config.Appearance
	iconSet    map[string]struct{}
	priorities map[string]int
}

// New creates a codec over the icon and appearance settings.
func New(icons config.Icons, appearance config.Appearance) *Codec {
	c := &Codec{
		icons:      icons,
		appearance: appearance,
		iconSet:    make(map[string]struct{}),
		priorities: make(map[string]int),
	}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			c.iconSet[s] = struct{}{}
		}
	}
	b := icons.Basic
	for _, s := range []string{b.Recurring, b.URL, b.Overdue, b.Completed, b.Notes} {
		add(s)
	}
	for i, s := range icons.Priority {
		add(s)
		c.priorities[strings.TrimSpace(s)] = 4 - i
	}
	for _, l := range icons.Labels {
		add(l.Icon)
	}
	for _, cat := range icons.Parser {
		for _, r := range cat.Rules {
			add(r.Icon)
		}
	}
	for _, s := range icons.Projects {
		add(s)
	}
	for _, s := range icons.ParentProjects {
		add(s)
	}
	for _, s := range icons.Extra {
		add(s)
	}
	return c
}

// Encode renders the event title for task.
func (c *Codec) Encode(task *model.Task, ctx Context) string {
	var segs []string

	if c.appearance.RecurringIcon && task.Recurring() &&
		(!ctx.Completed || c.appearance.RecurringIconCompleted) {
		segs = appendIcon(segs, c.icons.Basic.Recurring)
	}

	tagged := false
	for _, l := range c.icons.Labels {
		if hasLabel(task.Labels, l.Label) {
			segs = appendIcon(segs, l.Icon)
			tagged = true
		}
	}

	words := strings.Fields(strings.ToLower(task.Content))
	for _, cat := range c.icons.Parser {
		for _, r := range cat.Rules {
			if !anyWord(words, r.Keywords) {
				continue
			}
			if r.Project != "" && !strings.EqualFold(r.Project, ctx.ProjectName) {
				continue
			}
			segs = appendIcon(segs, r.Icon)
			tagged = true
			break
		}
	}

	if !tagged {
		segs = appendIcon(segs, lookupFold(c.icons.Projects, ctx.ProjectName))
		segs = appendIcon(segs, lookupFold(c.icons.ParentProjects, ctx.ParentProjectName))
	}

	if _, text, ok := ExtractLink(task.Content); ok {
		segs = appendIcon(segs, c.icons.Basic.URL)
		segs = append(segs, text)
	} else {
		segs = append(segs, strings.TrimSpace(task.Content))
	}

	if g := c.priorityGlyph(task.Priority); g != "" {
		segs = append([]string{g}, segs...)
	}
	if !ctx.Completed && task.HasDue() && task.Due.Date.Before(ctx.Today) {
		segs = prependIcon(segs, c.icons.Basic.Overdue)
	}
	if ctx.Completed {
		segs = prependIcon(segs, c.icons.Basic.Completed)
	}
	return strings.Join(segs, " ")
}

// Decode recovers the task content from title. The last token that is a
// configured icon marks where the content starts. A trailing p1..p4 tag
// overrides the priority carried by the priority glyph.
func (c *Codec) Decode(title string) Decoded {
	var d Decoded
	start := 0
	for _, tok := range tokens(title) {
		word := title[tok[0]:tok[1]]
		if _, ok := c.iconSet[word]; !ok {
			continue
		}
		start = tok[1]
		if p, ok := c.priorities[word]; ok {
			d.Priority = p
		}
	}
	content := strings.TrimSpace(title[start:])

	if i := strings.LastIndexAny(content, " \t"); i >= 0 {
		last := content[i+1:]
		if priorityTag.MatchString(last) {
			d.Priority = 5 - int(last[1]-'0')
			d.Tagged = true
			content = strings.TrimSpace(content[:i+1])
		}
	}
	d.Content = content
	return d
}

// DisplayContent is the part of the task content that appears in titles.
func (c *Codec) DisplayContent(content string) string {
	if _, text, ok := ExtractLink(content); ok {
		return text
	}
	return strings.TrimSpace(content)
}

// ReplaceDisplay swaps the displayed part of content for text, keeping an
// embedded link intact.
func (c *Codec) ReplaceDisplay(content, text string) string {
	if m := markdownLink.FindStringSubmatch(content); m != nil {
		return "[" + text + "](" + m[2] + ")"
	}
	if m := trailingTitleLink.FindStringSubmatch(content); m != nil {
		return m[1] + " (" + text + ")"
	}
	return text
}

// ExtractLink splits content written with the parenthesised link convention
// into its URL and display text.
func ExtractLink(content string) (url, text string, ok bool) {
	content = strings.TrimSpace(content)
	if m := trailingTitleLink.FindStringSubmatch(content); m != nil {
		return m[1], strings.TrimSpace(m[2]), true
	}
	if m := markdownLink.FindStringSubmatch(content); m != nil {
		return m[2], strings.TrimSpace(m[1]), true
	}
	return "", "", false
}

// LeadingURL returns the URL the content starts with, if any.
func LeadingURL(content string) string {
	if u, _, ok := ExtractLink(content); ok {
		return u
	}
	fields := strings.Fields(content)
	if len(fields) > 0 && strings.Contains(fields[0], "://") {
		return fields[0]
	}
	return ""
}

func (c *Codec) priorityGlyph(priority int) string {
	i := 4 - priority
	if priority < 1 || priority > 4 || i >= len(c.icons.Priority) {
		return ""
	}
	return strings.TrimSpace(c.icons.Priority[i])
}

// tokens returns the byte offsets of the whitespace-separated words of s.
func tokens(s string) [][2]int {
	var out [][2]int
	start := -1
	for i, r := range s {
		space := r == ' ' || r == '\t' || r == '\n'
		switch {
		case space && start >= 0:
			out = append(out, [2]int{start, i})
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, len(s)})
	}
	return out
}

func appendIcon(segs []string, icon string) []string {
	if icon = strings.TrimSpace(icon); icon == "" {
		return segs
	}
	return append(segs, icon)
}

func prependIcon(segs []string, icon string) []string {
	if icon = strings.TrimSpace(icon); icon == "" {
		return segs
	}
	return append([]string{icon}, segs...)
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

func anyWord(words, keywords []string) bool {
	for _, k := range keywords {
		k = strings.ToLower(k)
		for _, w := range words {
			if w == k {
				return true
			}
		}
	}
	return false
}

func lookupFold(m map[string]string, name string) string {
	if name == "" {
		return ""
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
