package testutil

import (
	"fmt"
	"strings"
)

// Rec formats a data record from alternating name, value pairs, terminator
// included.
//
//	Rec("TIME", "1.5", "FPOGX", "0.2") == `<REC TIME="1.5" FPOGX="0.2" />` + "\r\n"
func Rec(pairs ...string) string {
	var b strings.Builder
	b.WriteString("<REC")
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, " %s=%q", pairs[i], pairs[i+1])
	}
	b.WriteString(" />\r\n")
	return b.String()
}

// Ack formats the acknowledgement Gazepoint Control sends for a SET command.
func Ack(id string) string {
	return fmt.Sprintf(`<ACK ID="%s" STATE="1" />`+"\r\n", id)
}

// FullRec returns a data record carrying every catalogue field. Values are
// derived from i so consecutive records differ.
func FullRec(i int) string {
	t := float64(i) / 60
	return Rec(
		"TIME", fmt.Sprintf("%.5f", t),
		"FPOGX", "0.51", "FPOGY", "0.47", "FPOGS", fmt.Sprintf("%.5f", t), "FPOGD", "0.10",
		"FPOGID", fmt.Sprint(i), "FPOGV", "1",
		"LPOGX", "0.50", "LPOGY", "0.46", "LPOGV", "1",
		"RPOGX", "0.52", "RPOGY", "0.48", "RPOGV", "1",
		"BPOGX", "0.51", "BPOGY", "0.47", "BPOGV", "1",
		"LPCX", "0.31", "LPCY", "0.55", "LPD", "22.4", "LPS", "0.98", "LPV", "1",
		"RPCX", "0.69", "RPCY", "0.54", "RPD", "21.9", "RPS", "0.97", "RPV", "1",
		"BKID", "0", "BKDUR", "0.0", "BKPMIN", "12",
		"LPMM", "3.41", "LPMMV", "1", "RPMM", "3.38", "RPMMV", "1",
		"DIAL", "0.0", "DIALV", "0",
		"GSR", "412.5", "GSRV", "1",
		"HR", "71", "HRV", "1", "HRP", fmt.Sprint(i%256),
	)
}
