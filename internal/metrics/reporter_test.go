package metrics

import "testing"

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := FormatBytes(tc.in)
		if got != tc.want {
			t.Errorf("FormatBytes(%v): got %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("FormatBytes(%v): width %d, want 8", tc.in, len(got))
		}
	}
}

func TestRecordersMirrorConsoleCounters(t *testing.T) {
	before := bytesSent.Load()
	AddTransferSent(512)
	if got := bytesSent.Load() - before; got != 512 {
		t.Errorf("bytesSent delta: got %d, want 512", got)
	}

	beforeIn := udpReceived.Load()
	RecordPacketReceived(0x01)
	if got := udpReceived.Load() - beforeIn; got != 1 {
		t.Errorf("udpReceived delta: got %d, want 1", got)
	}
}
