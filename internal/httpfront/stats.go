package httpfront

import (
	"fmt"
	"net/http"
	"os"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// handleStats renders the TSV process/bot stats page of spec.md §4.G:
// uptime, RSS, bot count and the shutting-down flag, then one row per
// top-K bot ranked by stats.BotStat.Score with its request and update
// counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "uptime\t%d\n", int64(now.Sub(s.started).Seconds()))
	fmt.Fprintf(w, "rss_bytes\t%d\n", processRSSBytes())
	fmt.Fprintf(w, "bot_count\t%d\n", s.mgr.BotCount())
	fmt.Fprintf(w, "shutting_down\t%t\n", s.state.shuttingDown.Load())

	fmt.Fprintln(w, "---")
	fmt.Fprintln(w, "token\tscore\tuptime\trequests_all\trequests_1m\tupdates_all")

	const topK = 50
	for _, entry := range s.mgr.TopK(topK, now) {
		var allReq, min1Req, allUpd float64
		for _, snap := range entry.Stat.Snapshots(now) {
			switch snap.Window {
			case "all":
				allReq = snap.RequestCount
				allUpd = snap.UpdateCount
			case "1min":
				min1Req = snap.RequestCount
			}
		}
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%.0f\t%.0f\t%.0f\n",
			redactToken(entry.Token), entry.Stat.Score(now),
			int64(entry.Stat.Uptime(now).Seconds()), allReq, min1Req, allUpd)
	}
}

// redactToken shows only the numeric bot-id prefix of a token followed by
// ":***" (unlike telemetry.SecretToken, which hides the whole value).
func redactToken(token string) string {
	for i, ch := range token {
		if ch == ':' {
			return token[:i] + ":***"
		}
	}
	return "***"
}

// processRSSBytes reports this process's resident set size using
// gopsutil, falling back to 0 if unavailable (e.g. unsupported OS/sandbox).
func processRSSBytes() uint64 {
	proc, err := gopsprocess.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
