package syncer

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	ServerWins     Strategy = "server-wins"
	RemoteWins     Strategy = "remote-wins"
	ClientWins     Strategy = "client-wins"
	LocalWins      Strategy = "local-wins"
	Merge          Strategy = "merge"
	TimestampBased Strategy = "timestamp-based"
	FieldLevel     Strategy = "field-level"
	VersionBased   Strategy = "version-based"
	Manual         Strategy = "manual"
	Custom         Strategy = "custom"
)

var strategies = []Strategy{
	ServerWins, RemoteWins, ClientWins, LocalWins, Merge,
	TimestampBased, FieldLevel, VersionBased, Manual, Custom,
}

// ParseStrategy accepts the strategy names, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range strategies {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Resolution is the outcome a strategy picks for a conflict.
type Resolution struct {
	Data   map[string]any // Winning task data; ignored when Delete is set
	Delete bool           // The task ends up deleted
	Resend bool           // Local must push the winner above the remote version
}

// FieldResolver settles one colliding field during a field-level merge.
// path is dot-separated from the task root, e.g. "payload.tags".
type FieldResolver func(path string, local, remote any) any

// CustomResolver resolves conflicts for one task type.
type CustomResolver func(ctx context.Context, c Conflict) (Resolution, error)

func remoteWins(c Conflict) Resolution {
	return Resolution{Data: c.Remote.Data, Delete: c.Remote.Deleted()}
}

func localWins(c Conflict) Resolution {
	return Resolution{Data: c.Local.Data, Delete: c.Local.Deleted(), Resend: true}
}

// merged builds a resolution from merged data. Nothing is resent when
// the merge reproduced the remote copy.
func merged(c Conflict, data map[string]any) Resolution {
	if c.Local.Deleted() || c.Remote.Deleted() {
		return remoteWins(c)
	}
	return Resolution{Data: data, Resend: Checksum(data) != c.Remote.Checksum}
}

func resolveMerge(c Conflict) Resolution {
	return merged(c, deepMerge(c.Local.Data, c.Remote.Data, "", nil))
}

func resolveFieldLevel(c Conflict, resolvers map[string]FieldResolver) Resolution {
	return merged(c, deepMerge(c.Local.Data, c.Remote.Data, "", resolvers))
}

// resolveTimestamp merges records written within threshold of each other;
// otherwise the newer record wins.
func resolveTimestamp(c Conflict, threshold time.Duration) Resolution {
	gap := c.Local.Timestamp.Sub(c.Remote.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap <= threshold {
		return resolveMerge(c)
	}
	if c.Local.Timestamp.After(c.Remote.Timestamp) {
		return localWins(c)
	}
	return remoteWins(c)
}

// resolveVersion compares the payload "version" strings segment by
// segment, then record versions. Ties go to the remote.
func resolveVersion(c Conflict) Resolution {
	if cmp, ok := comparePayloadVersions(c.Local.Data, c.Remote.Data); ok {
		if cmp > 0 {
			return localWins(c)
		}
		return remoteWins(c)
	}
	if c.Local.Version > c.Remote.Version {
		return localWins(c)
	}
	return remoteWins(c)
}

func comparePayloadVersions(local, remote map[string]any) (int, bool) {
	ls, ok := payloadVersion(local)
	if !ok {
		return 0, false
	}
	rs, ok := payloadVersion(remote)
	if !ok {
		return 0, false
	}
	lv, err := version.NewVersion(ls)
	if err != nil {
		return 0, false
	}
	rv, err := version.NewVersion(rs)
	if err != nil {
		return 0, false
	}
	return lv.Compare(rv), true
}

// deepMerge overlays remote onto local. Nested objects merge key by key;
// on any other collision the field resolver for the path decides, else
// remote wins. Neither input is modified.
func deepMerge(local, remote map[string]any, prefix string, resolvers map[string]FieldResolver) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, rv := range remote {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		lv, exists := out[k]
		if !exists {
			out[k] = rv
			continue
		}
		if fn, ok := resolvers[path]; ok {
			out[k] = fn(path, lv, rv)
			continue
		}
		lm, lok := lv.(map[string]any)
		rm, rok := rv.(map[string]any)
		if lok && rok {
			out[k] = deepMerge(lm, rm, path, resolvers)
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			out[k] = rv
		}
	}
	return out
}
