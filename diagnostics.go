package eventbus

import (
	"context"
	"fmt"
	"strings"
)

// truncate caps s to maxLen bytes, for callers that feed a fixed-size
// buffer downstream. maxLen <= 0 means "no limit".
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// FormatListeners returns a human-readable table of every attached
// listener's name, mode, and ref count, truncated to maxLen bytes. The
// listener list is only ever touched by the worker goroutine, so the walk
// itself is submitted as a worker command rather than read unsynchronized
// from the caller's goroutine.
func (b *Bus) FormatListeners(ctx context.Context, maxLen int) (string, error) {
	cmd := &command{kind: cmdFormatListeners, done: make(chan error, 1)}
	if err := b.sendCommand(ctx, cmd); err != nil {
		return "", err
	}
	return truncate(cmd.result, maxLen), nil
}

func (b *Bus) renderListeners() string {
	if b.firstListener == nil {
		return "No registered listeners"
	}
	var sb strings.Builder
	sb.WriteString("Name       Mode      Refs  Overflow\n")
	for l := b.firstListener; l != nil; l = l.next {
		fmt.Fprintf(&sb, " %-10s %-8s %4d  %v\n", l.Name, l.mode, l.RefCount(), l.Overflow())
	}
	return sb.String()
}

// FormatPools returns a human-readable table of pool utilization and
// integrity for the small/medium/large pools, truncated to maxLen bytes.
func (b *Bus) FormatPools(maxLen int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Pool    Used  Free / Total  Max  Size  Valid\n")
	for _, class := range []AllocClass{AllocSmall, AllocMedium, AllocLarge} {
		info, valid := b.pools[class].Integrity()
		validStr := "NO"
		if valid {
			validStr = "YES"
		}
		fmt.Fprintf(&sb, " %-6s %4d  %4d / %4d  %4d  %4d  %4s\n",
			class, info.Count, info.FreeCount, info.BlockCount, info.HighWater, info.BlockSize, validStr)
	}
	return truncate(sb.String(), maxLen)
}

// FormatResponseStats returns a human-readable table of the minimum and
// maximum observed response times (publish-to-final-release) per event id
// that has seen at least one completed dynamic delivery, then resets those
// statistics so the next read reports only what happened since.
func (b *Bus) FormatResponseStats(maxLen int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("ID      min           max\n")
	for i := 0; i < b.cfg.EventCount; i++ {
		if b.minResp[i] == 0 && b.maxResp[i] == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%3d  %12s  %12s\n", i, b.minResp[i], b.maxResp[i])
		b.minResp[i] = 0
		b.maxResp[i] = 0
	}
	return truncate(sb.String(), maxLen)
}
