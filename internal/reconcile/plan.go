package reconcile

import (
	"sort"

	"github.com/alexjbarnes/indexmirror/internal/store"
)

// Kind is the action decided for one key.
type Kind int

const (
	// KindCreate means the key is listed upstream but absent from the store.
	KindCreate Kind = iota

	// KindCheck means the key exists on both sides. The executor downloads
	// the remote file and resolves the action to KindUpdate or KindSkip.
	KindCheck

	// KindUpdate means the stored content differs from upstream, or the
	// comparison could not be made.
	KindUpdate

	// KindDelete means the key is stored but no longer listed upstream.
	KindDelete

	// KindSkip means the stored content matches upstream.
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindCheck:
		return "check"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindSkip:
		return "skip"
	}

	return "unknown"
}

// Action is one planned step. StoredTag is set for KindCheck.
type Action struct {
	Kind      Kind
	Key       string
	StoredTag string
}

// Plan diffs the upstream key list against the store inventory. It is a
// pure function: one action per key in the union of both sides, creates
// and checks first in listing order, then deletes in key order.
//
// Plan must only be given a listing that was fetched successfully. An
// empty remoteKeys means "upstream is empty" and deletes everything.
func Plan(remoteKeys []string, storeEntries map[string]string) []Action {
	actions := make([]Action, 0, len(remoteKeys)+len(storeEntries))
	listed := make(map[string]struct{}, len(remoteKeys))

	for _, key := range remoteKeys {
		if _, dup := listed[key]; dup {
			continue
		}

		listed[key] = struct{}{}

		tag, stored := storeEntries[key]
		if !stored {
			actions = append(actions, Action{Kind: KindCreate, Key: key})
			continue
		}

		actions = append(actions, Action{Kind: KindCheck, Key: key, StoredTag: tag})
	}

	var stale []string

	for key := range storeEntries {
		if _, ok := listed[key]; !ok {
			stale = append(stale, key)
		}
	}

	sort.Strings(stale)

	for _, key := range stale {
		actions = append(actions, Action{Kind: KindDelete, Key: key})
	}

	return actions
}

// TagsEqual reports whether a downloaded digest matches a stored
// integrity tag. Unknown (empty) tags never match, so an unreadable tag
// leads to re-upload rather than trusting a possibly stale object.
func TagsEqual(digest, tag string) bool {
	a, b := store.NormalizeTag(digest), store.NormalizeTag(tag)
	if a == "" || b == "" {
		return false
	}

	return a == b
}
