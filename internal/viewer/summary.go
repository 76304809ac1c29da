package viewer

import (
	"fmt"
	"net"
	"time"

	"github.com/chronologos/deskcast/internal/transport"
)

// printSummary writes a one-line run summary, plus QUIC path stats when
// the connection has them.
func (v *Viewer) printSummary(conn net.Conn, st Stats) {
	fmt.Fprintf(v.stderr, "[view] %d frames, %s in %s (%.1f fps), last %dx%d\n",
		st.Frames, formatBytes(st.Bytes), st.Elapsed.Round(time.Millisecond), st.FPS(), st.Width, st.Height)
	if n := v.hist.Len(); n > 0 {
		fmt.Fprintf(v.stderr, "[view] kept %d frames (#%d-#%d, %s)\n",
			n, v.hist.OldestSeq(), v.hist.NewestSeq(), formatBytes(uint64(v.hist.Bytes())))
	}
	if st.Saved > 0 {
		fmt.Fprintf(v.stderr, "[view] saved %d frames to %s\n", st.Saved, v.cfg.OutDir)
	}

	sc, ok := conn.(transport.StatsConn)
	if !ok {
		return
	}
	qs := sc.ConnectionStats()
	fmt.Fprintf(v.stderr, "[view] rtt min=%s smooth=%s jitter=%s  recv=%s lost=%d/%d pkts\n",
		formatDuration(qs.MinRTT), formatDuration(qs.SmoothedRTT), formatDuration(qs.MeanDeviation),
		formatBytes(qs.BytesReceived), qs.PacketsLost, qs.PacketsSent)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatDuration formats a duration as milliseconds with one decimal.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}
