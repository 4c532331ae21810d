// Package labels caches the mailbox label table and creates labels on demand.
package labels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
)

// Resolver maps label names to IDs and back. Lookups are case-insensitive on
// names. Safe for concurrent use.
type Resolver struct {
	client     gmail.Client
	dispatcher *dispatch.Dispatcher

	mu     sync.Mutex
	loaded bool
	byName map[string]gmail.LabelID
	byID   map[gmail.LabelID]string
}

// NewResolver builds a Resolver. The label table is fetched on first use.
func NewResolver(client gmail.Client, dispatcher *dispatch.Dispatcher) *Resolver {
	return &Resolver{client: client, dispatcher: dispatcher}
}

func (r *Resolver) load(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	var byName map[string]gmail.LabelID
	var byID map[gmail.LabelID]string
	err := r.dispatcher.Do(ctx, "labels_list", gmail.CostListLabels, func(ctx context.Context) error {
		var err error
		byName, byID, err = r.client.ListLabels(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	r.byName = make(map[string]gmail.LabelID, len(byName))
	for name, id := range byName {
		r.byName[strings.ToLower(name)] = id
	}
	r.byID = make(map[gmail.LabelID]string, len(byID))
	for id, name := range byID {
		r.byID[id] = name
	}
	r.loaded = true
	return nil
}

// Names converts label IDs to display names. Unknown IDs are returned as-is so
// system labels such as INBOX still compare by name.
func (r *Resolver) Names(ctx context.Context, ids []gmail.LabelID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := r.byID[id]; ok {
			out = append(out, name)
			continue
		}
		out = append(out, string(id))
	}
	return out, nil
}

// Lookup returns the ID for name without creating it.
func (r *Resolver) Lookup(ctx context.Context, name string) (gmail.LabelID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return "", false, err
	}
	id, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok, nil
}

// Ensure returns the ID for name, creating the label when it does not exist.
func (r *Resolver) Ensure(ctx context.Context, name string) (gmail.LabelID, error) {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return "", err
	}
	if id, ok := r.byName[strings.ToLower(name)]; ok {
		return id, nil
	}
	var id gmail.LabelID
	err := r.dispatcher.Do(ctx, "labels_create", gmail.CostEnsureLabel, func(ctx context.Context) error {
		var err error
		id, err = r.client.EnsureLabel(ctx, name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ensure label %q: %w", name, err)
	}
	r.byName[strings.ToLower(name)] = id
	r.byID[id] = name
	return id, nil
}

// Invalidate drops the cache so the next call refetches the label table.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.byName = nil
	r.byID = nil
}
