package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// ReportInterval is how often StartReporter prints a line.
const ReportInterval = 10 * time.Second

// StartReporter launches a goroutine that logs transfer throughput and
// packet rates every ReportInterval while there is activity. It stops when
// ctx is cancelled.
func StartReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ReportInterval)
		defer ticker.Stop()

		secs := ReportInterval.Seconds()
		var prevSent, prevRecv, prevOut, prevIn int64
		for {
			select {
			case <-ticker.C:
				sent := bytesSent.Load()
				recv := bytesRecv.Load()
				out := udpSent.Load()
				in := udpReceived.Load()

				upS := float64(sent-prevSent) / secs
				downS := float64(recv-prevRecv) / secs
				outP := out - prevOut
				inP := in - prevIn

				if outP > 0 || inP > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, outP, inP))
				}

				prevSent, prevRecv, prevOut, prevIn = sent, recv, out, in

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes renders a byte count in exactly 8 characters,
// e.g. "99.0   B", " 1.5 KiB".
func FormatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(upS, downS float64, outP, inP int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | UDP: %3d↑ %3d↓",
		FormatBytes(upS),
		FormatBytes(downS),
		outP,
		inP,
	)
}
