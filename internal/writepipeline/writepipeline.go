// Package writepipeline resolves Append/Insert/Upsert/Delete semantics
// against an IndexStore: name resolution, id assignment under the
// store's single write lock, and per-record status reporting.
package writepipeline

import (
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/indexstore"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/record"
)

// Action is one record's write intent in a mutate batch.
type Action struct {
	Kind segment.ActionType
	Name string
	Data []byte
}

// Result is one record's outcome, returned positionally so a batch that
// partially fails still reports every record.
type Result struct {
	ID  uint64
	Err error
}

// Run resolves and applies a batch of actions against store, assigning
// ids under the store's write lock so id assignment and index commit
// share one critical section. marker (if non-empty) is
// attached to the current segment's last-writer-wins marker.
func Run(store *indexstore.Store, actions []Action, marker string) ([]Result, error) {
	results := make([]Result, len(actions))

	err := store.WithWriteLock(func() error {
		wrappers := make([]*segment.Wrapper, 0, len(actions))
		var deletions []uint64
		var maxID uint64

		for i, a := range actions {
			var w *segment.Wrapper
			if a.Kind != segment.Delete {
				w = segment.NewWrapper(a.Kind, &record.Record{Name: a.Name, Data: a.Data})
				if w.Err != nil {
					// Malformed JSON: reported in place, never indexed,
					// and no id consumed.
					results[i] = Result{Err: w.Err}
					continue
				}
			}

			switch a.Kind {
			case segment.Delete:
				existing, err := store.FindByName(a.Name)
				if err != nil {
					results[i] = Result{Err: err}
					continue
				}
				if existing == nil {
					results[i] = Result{Err: calmerr.Newf(calmerr.NotExisted, "writepipeline: delete: name %q not found", a.Name)}
					continue
				}
				deletions = append(deletions, existing.ID)
				results[i] = Result{ID: existing.ID}
				continue

			case segment.Insert:
				if a.Name != "" {
					existing, err := store.FindByName(a.Name)
					if err != nil {
						results[i] = Result{Err: err}
						continue
					}
					if existing != nil {
						results[i] = Result{Err: calmerr.Newf(calmerr.Duplicated, "writepipeline: insert: name %q already exists", a.Name)}
						continue
					}
				}

			case segment.Upsert:
				if a.Name != "" {
					existing, err := store.FindByName(a.Name)
					if err != nil {
						results[i] = Result{Err: err}
						continue
					}
					if existing != nil {
						deletions = append(deletions, existing.ID)
					}
				}
			}

			id := store.NextID()
			if id > maxID {
				maxID = id
			}

			w.Record.ID = id
			wrappers = append(wrappers, w)
			results[i] = Result{ID: id}
		}

		return store.Write(wrappers, deletions, maxID, marker)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
