// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/anchornet/anchord/internal/event"
)

const (
	// digestSampleSize is the number of events shown per digest
	// section.
	digestSampleSize = 3

	// digestSnippetLen is the maximum length of a content sample.
	digestSnippetLen = 200
)

// Digest is the formatted summary of one scheduled evaluation run.
type Digest struct {
	// Total is the number of events matched by the run.
	Total int

	// Latest holds the newest matched events.
	Latest []*event.Event

	// Popular holds the matched events with the most replies.
	Popular []*event.Event

	// TopAuthors lists the authors with the most matched events, most
	// active first.
	TopAuthors []string
}

// BuildDigest summarizes matched events and their reply context.  Context
// events count toward reply popularity but are not listed themselves.
func BuildDigest(events, context []*event.Event) *Digest {
	replies := make(map[string]int)
	for _, ev := range context {
		if parent := ev.TagValue("e"); parent != "" {
			replies[parent]++
		}
	}

	latest := append([]*event.Event(nil), events...)
	sort.SliceStable(latest, func(i, j int) bool {
		return latest[i].CreatedAt > latest[j].CreatedAt
	})

	popular := append([]*event.Event(nil), events...)
	sort.SliceStable(popular, func(i, j int) bool {
		return replies[popular[i].ID] > replies[popular[j].ID]
	})
	if len(popular) > 0 && replies[popular[0].ID] == 0 {
		popular = nil
	}

	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Pubkey]++
	}
	authors := make([]string, 0, len(counts))
	for pubkey := range counts {
		authors = append(authors, pubkey)
	}
	sort.Slice(authors, func(i, j int) bool {
		if counts[authors[i]] != counts[authors[j]] {
			return counts[authors[i]] > counts[authors[j]]
		}
		return authors[i] < authors[j]
	})

	return &Digest{
		Total:      len(events),
		Latest:     sample(latest),
		Popular:    sample(popular),
		TopAuthors: authors,
	}
}

// sample returns at most digestSampleSize leading events.
func sample(events []*event.Event) []*event.Event {
	if len(events) > digestSampleSize {
		return events[:digestSampleSize]
	}
	return events
}

// snippet returns a bounded content sample with newlines collapsed.
func snippet(content string) string {
	return truncate(strings.Join(strings.Fields(content), " "))
}

// truncate bounds s to at most digestSnippetLen bytes, backing up so a
// multi-byte UTF-8 sequence is never split, and appends an ellipsis when
// anything was cut.
func truncate(s string) string {
	if len(s) <= digestSnippetLen {
		return s
	}
	cut := digestSnippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// displayAuthor returns a short form of a pubkey for digest rendering.
func displayAuthor(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}

// Subject returns the digest mail subject.
func (d *Digest) Subject() string {
	if d.Total == 1 {
		return "1 new event in your feed"
	}
	return fmt.Sprintf("%d new events in your feed", d.Total)
}

// Text renders the digest as plain text.
func (d *Digest) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", d.Subject())
	if len(d.Latest) > 0 {
		b.WriteString("Latest:\n")
		for _, ev := range d.Latest {
			fmt.Fprintf(&b, "- %s: %s\n", displayAuthor(ev.Pubkey),
				snippet(ev.Content))
		}
		b.WriteString("\n")
	}
	if len(d.Popular) > 0 {
		b.WriteString("Most replied:\n")
		for _, ev := range d.Popular {
			fmt.Fprintf(&b, "- %s: %s\n", displayAuthor(ev.Pubkey),
				snippet(ev.Content))
		}
		b.WriteString("\n")
	}
	if len(d.TopAuthors) > 0 {
		authors := make([]string, 0, len(d.TopAuthors))
		for _, pubkey := range d.TopAuthors {
			authors = append(authors, displayAuthor(pubkey))
		}
		fmt.Fprintf(&b, "Most active: %s\n", strings.Join(authors, ", "))
	}
	return b.String()
}

// HTML renders the digest as a minimal HTML body.
func (d *Digest) HTML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>%s</h3>", html.EscapeString(d.Subject()))
	section := func(title string, events []*event.Event) {
		if len(events) == 0 {
			return
		}
		fmt.Fprintf(&b, "<h4>%s</h4><ul>", title)
		for _, ev := range events {
			fmt.Fprintf(&b, "<li><strong>%s</strong>: %s</li>",
				html.EscapeString(displayAuthor(ev.Pubkey)),
				html.EscapeString(snippet(ev.Content)))
		}
		b.WriteString("</ul>")
	}
	section("Latest", d.Latest)
	section("Most replied", d.Popular)
	if len(d.TopAuthors) > 0 {
		authors := make([]string, 0, len(d.TopAuthors))
		for _, pubkey := range d.TopAuthors {
			authors = append(authors, html.EscapeString(displayAuthor(pubkey)))
		}
		fmt.Fprintf(&b, "<p>Most active: %s</p>", strings.Join(authors, ", "))
	}
	return b.String()
}
