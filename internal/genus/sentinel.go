package genus

import (
	"context"
	"strings"
	"time"

	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Sentinel genus indices. These are fixed so every deployment agrees on
// the id of, say, the Log genus without a lookup. Order matters only in
// that it must never be reordered once shipped (SentinelID(i) is a
// promise).
const (
	SentinelMeta = iota
	SentinelLog
	SentinelError
	SentinelTask
	SentinelBranch
	SentinelTaxonomy
	SentinelDefaultTaxonomy
	SentinelCron
	SentinelWorkspace
	SentinelScience
	SentinelDefaultScience
	SentinelPalaceRoom
	SentinelPalaceScroll
	SentinelPalaceNPC
)

var sentinelNames = map[int]string{
	SentinelMeta:            "Meta",
	SentinelLog:             "Log",
	SentinelError:           "Error",
	SentinelTask:            "Task",
	SentinelBranch:          "Branch",
	SentinelTaxonomy:        "Taxonomy",
	SentinelDefaultTaxonomy: "Default Taxonomy",
	SentinelCron:            "Cron",
	SentinelWorkspace:       "Workspace",
	SentinelScience:         "Science",
	SentinelDefaultScience:  "Default Science",
	SentinelPalaceRoom:      "Palace Room",
	SentinelPalaceScroll:    "Palace Scroll",
	SentinelPalaceNPC:       "Palace NPC",
}

// sentinelKindOf gives every sentinel genus KindEntity, including the
// ones (such as the default taxonomy and default science rows) that are
// instances of another sentinel rather than genus kinds.
var sentinelKindOf = map[int]Kind{
	SentinelMeta:            KindEntity,
	SentinelLog:             KindEntity,
	SentinelError:           KindEntity,
	SentinelTask:            KindEntity,
	SentinelBranch:          KindEntity,
	SentinelTaxonomy:        KindEntity,
	SentinelDefaultTaxonomy: KindEntity,
	SentinelCron:            KindEntity,
	SentinelWorkspace:       KindEntity,
	SentinelScience:         KindEntity,
	SentinelDefaultScience:  KindEntity,
	SentinelPalaceRoom:      KindEntity,
	SentinelPalaceScroll:    KindEntity,
	SentinelPalaceNPC:       KindEntity,
}

// IsSentinelID reports whether id is one of the fixed sentinel ids (25
// zeros followed by one Crockford base32 character).
func IsSentinelID(id string) bool {
	return len(id) == 26 && strings.Trim(id[:25], "0") == ""
}

// Bootstrap idempotently creates every sentinel genus row on branch. It is
// safe to call on every kernel open: existing sentinels are left alone.
func Bootstrap(ctx context.Context, s store.Store, branch string) error {
	now := time.Now()
	for index, name := range sentinelNames {
		id := idgen.SentinelID(index)
		if _, err := s.GetEntity(ctx, id); err == nil {
			continue
		} else if !kernelerr.Of(err, kernelerr.NotFound) {
			return err
		}

		if err := s.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(SentinelMeta), BranchID: branch, CreatedAt: now}); err != nil {
			return err
		}
		if _, err := s.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
			return err
		}
		meta := map[string]any{"name": name, "kind": string(sentinelKindOf[index]), "sentinel": true}
		for _, key := range []string{"name", "kind", "sentinel"} {
			if _, err := s.AppendFact(ctx, id, branch, types.FactGenusMetaSet, map[string]any{"key": key, "value": meta[key]}, ""); err != nil {
				return err
			}
		}
	}
	return nil
}
