package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sipeed/wxclaw/cmd/wxclaw/internal"
	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/cron"
	"github.com/sipeed/wxclaw/pkg/gateway"
	"github.com/sipeed/wxclaw/pkg/groupcache"
)

func statusCmd(ctx context.Context, out io.Writer, probeTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s wxclaw Status\n\n", internal.Logo)
	report(out, ctx, cfg, internal.GetConfigPath(), probeTimeout)
	return nil
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func report(out io.Writer, ctx context.Context, cfg *config.Config, configPath string, probeTimeout time.Duration) {
	fmt.Fprintln(out, "Config:", configPath, mark(exists(configPath)))
	workspace := cfg.WorkspacePath()
	fmt.Fprintln(out, "Workspace:", workspace, mark(exists(workspace)))

	wc := cfg.Channels.WX849
	fmt.Fprintf(out, "WX849 channel: enabled=%v wxid=%q bot=%q\n", wc.Enabled, wc.Wxid, wc.BotName)

	client := gateway.NewClient(wc)
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout+time.Second)
	defer cancel()
	if err := client.WaitReady(probeCtx, probeTimeout); err != nil {
		fmt.Fprintln(out, "Gateway:", client.BaseURL(), "✗", err)
	} else {
		fmt.Fprintln(out, "Gateway:", client.BaseURL(), "✓")
		if _, err := client.Heartbeat(probeCtx); err != nil {
			hint := ""
			if gateway.IsLoginRequired(err) {
				hint = " (log in on the gateway)"
			}
			fmt.Fprintf(out, "Session: ✗ %v%s\n", err, hint)
		} else {
			fmt.Fprintln(out, "Session: ✓")
			if self, err := client.GetSelfInfo(probeCtx); err == nil && self.Wxid != "" {
				fmt.Fprintf(out, "Account: %s (%s)\n", self.Nickname, self.Wxid)
				if wc.Wxid != "" && wc.Wxid != self.Wxid {
					fmt.Fprintf(out, "  ! channels.wx849.wxid is %q, the gateway is logged in as %q\n", wc.Wxid, self.Wxid)
				}
			}
		}
	}

	cacheDir := cfg.ImageCacheDir()
	files := 0
	if entries, err := os.ReadDir(cacheDir); err == nil {
		for _, e := range entries {
			if e.Type().IsRegular() {
				files++
			}
		}
	}
	fmt.Fprintf(out, "Image cache: %s %s (%d files, ttl %s)\n", cacheDir, mark(exists(cacheDir)), files, cfg.CacheTTL())

	rooms := cfg.RoomsFilePath()
	store := groupcache.NewStore(rooms, cfg.GroupTTL())
	fmt.Fprintf(out, "Group cache: %s %s (%d groups, %d stale)\n", rooms, mark(exists(rooms)), store.Len(), len(store.StaleIDs()))

	jobs, err := cron.LoadState(cfg.SchedulerStatePath())
	if err != nil {
		fmt.Fprintln(out, "Jobs: no state recorded yet")
		return
	}
	fmt.Fprintln(out, "Jobs:")
	for _, j := range jobs {
		fmt.Fprintf(out, "  %-20s %-14s last=%s status=%s next=%s\n",
			j.Name, j.Expr, formatMS(j.State.LastRunAtMS), orDash(j.State.LastStatus), formatMS(j.State.NextRunAtMS))
		if j.State.LastError != "" {
			fmt.Fprintf(out, "  %-20s error: %s\n", "", j.State.LastError)
		}
	}
}

func formatMS(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
