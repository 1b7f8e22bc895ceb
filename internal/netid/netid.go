// Package netid looks up the identifier (SSID) of the active network.
package netid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCommand prints the SSID of the wireless network in use.
const DefaultCommand = "/sbin/iwgetid -r"

// ErrNotConnected is returned when the command succeeds but reports no
// network.
var ErrNotConnected = errors.New("no active wireless network")

// Lookup returns the identifier of the active network.
type Lookup func(ctx context.Context) (string, error)

// Command returns a Lookup running the given command line. The output is
// either the bare network name (iwgetid -r) or iwgetid's default
// `wlan0  ESSID:"name"` form.
func Command(cmdline string) Lookup {
	fields := strings.Fields(cmdline)
	return func(ctx context.Context) (string, error) {
		if len(fields) == 0 {
			return "", errors.New("empty network lookup command")
		}
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("%s: %w (%s)", fields[0], err, strings.TrimSpace(stderr.String()))
		}
		return parse(string(out))
	}
}

func parse(out string) (string, error) {
	out = strings.TrimSpace(out)
	if first := strings.IndexByte(out, '"'); first >= 0 {
		last := strings.LastIndexByte(out, '"')
		if last <= first {
			return "", fmt.Errorf("malformed output %q", out)
		}
		out = out[first+1 : last]
	}
	if out == "" {
		return "", ErrNotConnected
	}
	return out, nil
}

const cacheKey = "netid"

// Cached returns a Lookup that remembers successful results of l for ttl.
// Failures are not cached.
func Cached(l Lookup, ttl time.Duration) Lookup {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return func(ctx context.Context) (string, error) {
		if item := cache.Get(cacheKey); item != nil && !item.IsExpired() {
			return item.Value(), nil
		}
		name, err := l(ctx)
		if err != nil {
			return "", err
		}
		cache.Set(cacheKey, name, ttlcache.DefaultTTL)
		return name, nil
	}
}
