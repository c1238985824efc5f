package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/state"
)

// Bootstrap links events that already exist on both sides before the first
// sync, so a calendar that was copied by hand (or by another tool) is not
// duplicated. It matches by subject and start time, prints a summary, and
// with confirmation writes the mappings.
type Bootstrap struct {
	r      *Reconciler
	reader io.Reader // confirmation prompt (os.Stdin in production)
	writer io.Writer // summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap that reuses the reconciler's backends,
// store, logger, and window.
func NewBootstrap(r *Reconciler, reader io.Reader, writer io.Writer) *Bootstrap {
	return &Bootstrap{r: r, reader: reader, writer: writer}
}

// matchResult holds the matching outcome for one calendar pair.
type matchResult struct {
	key model.CalendarKey

	matched   []matchedPair
	cloudOnly []model.Event
	localOnly []model.Event
}

type matchedPair struct {
	cloud model.Event
	local model.Event
}

// Run links every given pair that has no mappings yet. Pairs with mappings
// are skipped. Returns true if mappings were written.
func (b *Bootstrap) Run(ctx context.Context, refs []state.CalendarRef) (bool, error) {
	log := b.r.log
	windowStart, windowEnd := b.r.Window()

	var results []matchResult
	for _, ref := range refs {
		key := model.CalendarKey{AccountID: ref.AccountID, CalendarID: ref.CalendarID}

		existing, err := b.r.store.ListMappings(ctx, ref.AccountID, ref.CalendarID)
		if err != nil {
			return false, fmt.Errorf("reading mappings for %s: %w", key, err)
		}
		if len(existing) > 0 {
			log.Debug("calendar already linked, skipping", "calendar", key, "mappings", len(existing))
			continue
		}

		cloudEvents, err := b.r.cloud.ListEvents(ctx, ref.AccountID, ref.CalendarID, windowStart, windowEnd, "")
		if err != nil {
			return false, fmt.Errorf("fetching cloud events for %s: %w", key, err)
		}
		localEvents, err := b.r.local.ListEvents(ctx, ref.AccountID, ref.CalendarID, windowStart, windowEnd, "")
		if err != nil {
			return false, fmt.Errorf("fetching local events for %s: %w", key, err)
		}

		results = append(results, matchBySubject(key, cloudEvents, localEvents))
	}

	if len(results) == 0 {
		log.Info("nothing to link")
		return false, nil
	}

	b.printSummary(results)

	if !b.confirm() {
		log.Info("linking cancelled by user")
		return false, nil
	}

	if err := b.execute(ctx, results); err != nil {
		return false, fmt.Errorf("linking events: %w", err)
	}

	log.Info("linking complete")
	return true, nil
}

func matchKey(ev model.Event) string {
	return strings.ToLower(strings.TrimSpace(ev.Subject)) + "|" + ev.Start.UTC().Format(time.RFC3339)
}

// matchBySubject pairs cloud and local events that share a subject
// (case-insensitive) and start instant. Local copies that already carry the
// cloud id as their source are paired regardless of content.
func matchBySubject(key model.CalendarKey, cloudEvents, localEvents []model.Event) matchResult {
	result := matchResult{key: key}

	bySource := make(map[string]int, len(localEvents))
	byKey := make(map[string]int, len(localEvents))
	for i, ev := range localEvents {
		if ev.SourceID != "" {
			bySource[ev.SourceID] = i
		}
		if _, dup := byKey[matchKey(ev)]; !dup {
			byKey[matchKey(ev)] = i
		}
	}

	used := make(map[int]bool)
	for _, ev := range cloudEvents {
		i, ok := bySource[ev.ID]
		if !ok {
			i, ok = byKey[matchKey(ev)]
		}
		if ok && !used[i] {
			used[i] = true
			result.matched = append(result.matched, matchedPair{cloud: ev, local: localEvents[i]})
			continue
		}
		result.cloudOnly = append(result.cloudOnly, ev)
	}

	for i, ev := range localEvents {
		if !used[i] {
			result.localOnly = append(result.localOnly, ev)
		}
	}
	return result
}

// printSummary writes a human-readable summary of the match results.
func (b *Bootstrap) printSummary(results []matchResult) {
	var totalMatched, totalCloud, totalLocal int

	_, _ = fmt.Fprintf(b.writer, "\n--- Link Summary ---\n\n")

	for _, r := range results {
		totalMatched += len(r.matched)
		totalCloud += len(r.cloudOnly)
		totalLocal += len(r.localOnly)

		_, _ = fmt.Fprintf(b.writer, "Calendar %s:\n", r.key)
		_, _ = fmt.Fprintf(b.writer, "  Matched by subject and start: %d\n", len(r.matched))
		for _, m := range r.matched {
			_, _ = fmt.Fprintf(b.writer, "    ✓ %s (%s)\n", m.cloud.Subject, m.cloud.Start.Format("2006-01-02 15:04"))
		}
		if len(r.cloudOnly) > 0 {
			_, _ = fmt.Fprintf(b.writer, "  Only in the cloud (created locally on next sync): %d\n", len(r.cloudOnly))
			for _, ev := range r.cloudOnly {
				_, _ = fmt.Fprintf(b.writer, "    ← %s\n", ev.Subject)
			}
		}
		if len(r.localOnly) > 0 {
			_, _ = fmt.Fprintf(b.writer, "  Only local (left untouched): %d\n", len(r.localOnly))
			for _, ev := range r.localOnly {
				_, _ = fmt.Fprintf(b.writer, "    · %s\n", ev.Subject)
			}
		}
		_, _ = fmt.Fprintln(b.writer)
	}

	_, _ = fmt.Fprintf(b.writer, "Total: %d matched, %d to create, %d local-only\n",
		totalMatched, totalCloud, totalLocal)
}

// confirm reads a y/n response from the reader.
func (b *Bootstrap) confirm() bool {
	_, _ = fmt.Fprintf(b.writer, "Link matched events? [y/N] ")
	scanner := bufio.NewScanner(b.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

// execute writes a mapping for every matched pair.
func (b *Bootstrap) execute(ctx context.Context, results []matchResult) error {
	for _, r := range results {
		for _, m := range r.matched {
			if err := b.r.saveMapping(ctx, r.key, m.cloud, m.local); err != nil {
				return err
			}
			b.r.log.Debug("linked matched pair", "calendar", r.key, "subject", m.cloud.Subject)
		}
	}
	return nil
}
